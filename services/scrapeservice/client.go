package scrapeservice

import (
	"context"

	"courtwatch-backend/internal/scrape"

	"connectrpc.com/connect"
)

// Client calls a Service over HTTP.
type Client struct {
	startScrape *connect.Client[scrape.StartScrape, StartScrapeResponse]
	scrapeAll   *connect.Client[scrape.ScrapeAll, ScrapeAllResponse]
	getStatus   *connect.Client[scrape.GetStatus, scrape.Status]
	listCases   *connect.Client[ListCasesRequest, ListCasesResponse]
	addCase     *connect.Client[AddCaseRequest, AddCaseResponse]
	getCase     *connect.Client[GetCaseRequest, GetCaseResponse]
	recent      *connect.Client[RecentRequest, RecentResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) Client {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return Client{
		startScrape: connect.NewClient[scrape.StartScrape, StartScrapeResponse](httpClient, baseURL+StartScrapeProcedure, opts...),
		scrapeAll:   connect.NewClient[scrape.ScrapeAll, ScrapeAllResponse](httpClient, baseURL+ScrapeAllProcedure, opts...),
		getStatus:   connect.NewClient[scrape.GetStatus, scrape.Status](httpClient, baseURL+GetStatusProcedure, opts...),
		listCases:   connect.NewClient[ListCasesRequest, ListCasesResponse](httpClient, baseURL+ListCasesProcedure, opts...),
		addCase:     connect.NewClient[AddCaseRequest, AddCaseResponse](httpClient, baseURL+AddCaseProcedure, opts...),
		getCase:     connect.NewClient[GetCaseRequest, GetCaseResponse](httpClient, baseURL+GetCaseProcedure, opts...),
		recent:      connect.NewClient[RecentRequest, RecentResponse](httpClient, baseURL+RecentProcedure, opts...),
	}
}

func (c Client) StartScrape(ctx context.Context, caseID scrape.CaseID, keepOpen bool) (string, error) {
	res, err := c.startScrape.CallUnary(ctx, connect.NewRequest(&scrape.StartScrape{
		CaseID:          caseID,
		KeepContextOpen: keepOpen,
	}))
	if err != nil {
		return "", err
	}
	return res.Msg.Admission, nil
}

func (c Client) ScrapeAll(ctx context.Context) (int, error) {
	res, err := c.scrapeAll.CallUnary(ctx, connect.NewRequest(&scrape.ScrapeAll{}))
	if err != nil {
		return 0, err
	}
	return res.Msg.Requested, nil
}

func (c Client) GetStatus(ctx context.Context) (scrape.Status, error) {
	res, err := c.getStatus.CallUnary(ctx, connect.NewRequest(&scrape.GetStatus{}))
	if err != nil {
		return scrape.Status{}, err
	}
	return *res.Msg, nil
}

func (c Client) ListCases(ctx context.Context) (ListCasesResponse, error) {
	res, err := c.listCases.CallUnary(ctx, connect.NewRequest(&ListCasesRequest{}))
	if err != nil {
		return ListCasesResponse{}, err
	}
	return *res.Msg, nil
}

func (c Client) AddCase(ctx context.Context, caseID scrape.CaseID) (AddCaseResponse, error) {
	res, err := c.addCase.CallUnary(ctx, connect.NewRequest(&AddCaseRequest{CaseID: caseID}))
	if err != nil {
		return AddCaseResponse{}, err
	}
	return *res.Msg, nil
}

func (c Client) GetCase(ctx context.Context, caseID scrape.CaseID) (GetCaseResponse, error) {
	res, err := c.getCase.CallUnary(ctx, connect.NewRequest(&GetCaseRequest{CaseID: caseID}))
	if err != nil {
		return GetCaseResponse{}, err
	}
	return *res.Msg, nil
}

func (c Client) Recent(ctx context.Context) (RecentResponse, error) {
	res, err := c.recent.CallUnary(ctx, connect.NewRequest(&RecentRequest{}))
	if err != nil {
		return RecentResponse{}, err
	}
	return *res.Msg, nil
}
