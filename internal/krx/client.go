// Package krx talks to the KRX data portal and plugs the KRX daily equity
// feed into the pipeline.
package krx

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/httpclient"
	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/rate"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

const (
	ReportDailyListing = "MDCSTAT01501" // 전종목 시세
	ReportListingInfo  = "MDCSTAT01901" // 전종목 기본정보

	dataPath   = "/comm/bldAttendant/getJsonData.cmd"
	bldPrefix  = "dbms/MDC/STAT/standard/"
	refererURI = "/contents/MDC/MDI/mdiLoader/index.cmd"
	userAgent  = "Mozilla/5.0 (compatible; krx-etl/1.0)"
)

// MarketID is the portal's mktId for a venue.
func MarketID(m model.Market) (string, bool) {
	switch m {
	case model.MarketKOSPI:
		return "STK", true
	case model.MarketKOSDAQ:
		return "KSQ", true
	case model.MarketKONEX:
		return "KNX", true
	}
	return "", false
}

type ClientConfig struct {
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
}

// Client issues report queries against the data portal.
type Client struct {
	baseURL string
	exec    *httpclient.Executor
	logger  *zap.Logger
}

// NewClient builds a client. httpClient may be nil.
func NewClient(cfg ClientConfig, rateMgr *rate.Manager, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		exec:    httpclient.New(logger, rateMgr, httpClient, cfg.RetryMax, "krx", nil),
		logger:  logger,
	}
}

type block[T any] struct {
	Rows []T `json:"OutBlock_1"`
}

type dailyRow struct {
	Symbol     string `json:"ISU_SRT_CD"`
	Name       string `json:"ISU_ABBRV"`
	MarketName string `json:"MKT_NM"`
	Close      string `json:"TDD_CLSPRC"`
	ChangeRate string `json:"FLUC_RT"`
	Open       string `json:"TDD_OPNPRC"`
	High       string `json:"TDD_HGPRC"`
	Low        string `json:"TDD_LWPRC"`
	Volume     string `json:"ACC_TRDVOL"`
	Value      string `json:"ACC_TRDVAL"`
	MarketCap  string `json:"MKTCAP"`
	Shares     string `json:"LIST_SHRS"`
}

type infoRow struct {
	ISIN          string `json:"ISU_CD"`
	Symbol        string `json:"ISU_SRT_CD"`
	NameKR        string `json:"ISU_ABBRV"`
	NameEN        string `json:"ISU_ENG_NM"`
	ListDate      string `json:"LIST_DD"`
	MarketName    string `json:"MKT_TP_NM"`
	SecurityGroup string `json:"SECUGRP_NM"`
	StockKind     string `json:"KIND_STKCERT_TP_NM"`
	ParValue      string `json:"PARVAL"`
	Shares        string `json:"LIST_SHRS"`
}

// DailyListing returns every listing of market on tradeDate (YYYYMMDD).
func (c *Client) DailyListing(ctx context.Context, market model.Market, tradeDate string) ([]model.RawRow, error) {
	mktID, ok := MarketID(market)
	if !ok {
		return nil, errors.New("krx: unsupported market " + string(market))
	}
	form := url.Values{
		"mktId":       {mktID},
		"trdDd":       {tradeDate},
		"share":       {"1"},
		"money":       {"1"},
		"csvxls_isNo": {"false"},
	}
	var resp block[dailyRow]
	if err := c.post(ctx, ReportDailyListing, form, &resp); err != nil {
		return nil, err
	}

	rows := make([]model.RawRow, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		rows = append(rows, model.RawRow{
			Symbol:     strings.TrimSpace(r.Symbol),
			Name:       strings.TrimSpace(r.Name),
			Market:     string(market),
			TradeDate:  tradeDate,
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			ChangeRate: r.ChangeRate,
			MarketCap:  r.MarketCap,
			Shares:     r.Shares,
		})
	}
	return rows, nil
}

func (c *Client) listingInfo(ctx context.Context, market model.Market) ([]infoRow, error) {
	mktID, ok := MarketID(market)
	if !ok {
		return nil, errors.New("krx: unsupported market " + string(market))
	}
	form := url.Values{
		"mktId":       {mktID},
		"share":       {"1"},
		"csvxls_isNo": {"false"},
	}
	var resp block[infoRow]
	if err := c.post(ctx, ReportListingInfo, form, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) post(ctx context.Context, report string, form url.Values, out any) error {
	form.Set("bld", bldPrefix+report)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+dataPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.baseURL+refererURI)
	req.Header.Set("User-Agent", userAgent)

	err = c.exec.DoJSON(ctx, req, report, out)
	metrics.IncKRXRequest(report, statusLabel(err))
	return err
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.Status)
	}
	return "error"
}
