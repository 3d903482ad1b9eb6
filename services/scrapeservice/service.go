package scrapeservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"courtwatch-backend/internal/casestore"
	"courtwatch-backend/internal/orchestrator"
	"courtwatch-backend/internal/scrape"
	"courtwatch-backend/internal/scrapers/portal"
	"courtwatch-backend/lib/telemetry"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("courtwatch.services.scrape")

const (
	report_service_scrape_all = "service.scrape-all"
	report_service_store      = "service.store"
)

// Scheduler is the part of the orchestrator the service drives.
type Scheduler interface {
	RequestScrape(ctx context.Context, caseID scrape.CaseID, keepOpen bool) (orchestrator.Admission, error)
	RequestScrapeAll(ctx context.Context) (int, error)
	Status(ctx context.Context) (scrape.Status, error)
	Recent() []scrape.Outcome
}

type Service struct {
	scheduler Scheduler
	store     casestore.Store
	portal    portal.Portal
	tel       telemetry.API
}

func NewService(scheduler Scheduler, store casestore.Store, p portal.Portal, tel telemetry.API) Service {
	return Service{
		scheduler: scheduler,
		store:     store,
		portal:    p,
		tel:       telemetry.NewScopedAPI("scrape_service", tel),
	}
}

// Handler mounts every procedure, it returns the path prefix to route.
func (s Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(StartScrapeProcedure, connect.NewUnaryHandler(StartScrapeProcedure, s.StartScrape, opts...))
	mux.Handle(ScrapeAllProcedure, connect.NewUnaryHandler(ScrapeAllProcedure, s.ScrapeAll, opts...))
	mux.Handle(GetStatusProcedure, connect.NewUnaryHandler(GetStatusProcedure, s.GetStatus, opts...))
	mux.Handle(ListCasesProcedure, connect.NewUnaryHandler(ListCasesProcedure, s.ListCases, opts...))
	mux.Handle(AddCaseProcedure, connect.NewUnaryHandler(AddCaseProcedure, s.AddCase, opts...))
	mux.Handle(GetCaseProcedure, connect.NewUnaryHandler(GetCaseProcedure, s.GetCase, opts...))
	mux.Handle(RecentProcedure, connect.NewUnaryHandler(RecentProcedure, s.Recent, opts...))
	return "/" + ServiceName + "/", mux
}

func (s Service) caseID(ctx context.Context, raw scrape.CaseID) (scrape.CaseID, error) {
	id := scrape.CaseID(strings.ToUpper(strings.TrimSpace(string(raw))))
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("case_id", string(id)))
	if !s.portal.IsCaseID(string(id)) {
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%q is not a case number", raw))
	}
	return id, nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, casestore.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, orchestrator.ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func (s Service) StartScrape(ctx context.Context, req *connect.Request[scrape.StartScrape]) (*connect.Response[StartScrapeResponse], error) {
	ctx, span := tracer.Start(ctx, "StartScrape")
	defer span.End()

	id, err := s.caseID(ctx, req.Msg.CaseID)
	if err != nil {
		return nil, err
	}
	admission, err := s.scheduler.RequestScrape(ctx, id, req.Msg.KeepContextOpen)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&StartScrapeResponse{Admission: admission.String()}), nil
}

func (s Service) ScrapeAll(ctx context.Context, req *connect.Request[scrape.ScrapeAll]) (*connect.Response[ScrapeAllResponse], error) {
	ctx, span := tracer.Start(ctx, "ScrapeAll")
	defer span.End()

	n, err := s.scheduler.RequestScrapeAll(ctx)
	if err != nil {
		s.tel.ReportWarning(report_service_scrape_all, err, "requested", n)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ScrapeAllResponse{Requested: n}), nil
}

func (s Service) GetStatus(ctx context.Context, req *connect.Request[scrape.GetStatus]) (*connect.Response[scrape.Status], error) {
	status, err := s.scheduler.Status(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&status), nil
}

func (s Service) ListCases(ctx context.Context, req *connect.Request[ListCasesRequest]) (*connect.Response[ListCasesResponse], error) {
	ctx, span := tracer.Start(ctx, "ListCases")
	defer span.End()

	records, err := s.store.List(ctx)
	if err != nil {
		s.tel.ReportBroken(report_service_store, err, "op", "list")
		return nil, toConnectError(err)
	}
	if records == nil {
		records = []casestore.Record{}
	}
	return connect.NewResponse(&ListCasesResponse{Cases: records}), nil
}

func (s Service) AddCase(ctx context.Context, req *connect.Request[AddCaseRequest]) (*connect.Response[AddCaseResponse], error) {
	ctx, span := tracer.Start(ctx, "AddCase")
	defer span.End()

	id, err := s.caseID(ctx, req.Msg.CaseID)
	if err != nil {
		return nil, err
	}
	record, err := s.store.Add(ctx, id)
	if err != nil {
		s.tel.ReportBroken(report_service_store, err, "op", "add", "case_id", id)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&AddCaseResponse{Case: record}), nil
}

func (s Service) GetCase(ctx context.Context, req *connect.Request[GetCaseRequest]) (*connect.Response[GetCaseResponse], error) {
	ctx, span := tracer.Start(ctx, "GetCase")
	defer span.End()

	id, err := s.caseID(ctx, req.Msg.CaseID)
	if err != nil {
		return nil, err
	}
	record, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, casestore.ErrNotFound) {
			s.tel.ReportBroken(report_service_store, err, "op", "get", "case_id", id)
		}
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&GetCaseResponse{Case: record}), nil
}

func (s Service) Recent(ctx context.Context, req *connect.Request[RecentRequest]) (*connect.Response[RecentResponse], error) {
	outcomes := s.scheduler.Recent()
	if outcomes == nil {
		outcomes = []scrape.Outcome{}
	}
	return connect.NewResponse(&RecentResponse{Outcomes: outcomes}), nil
}
