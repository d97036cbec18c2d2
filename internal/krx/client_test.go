package krx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperion-crawler/krx-etl/internal/httpclient"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

const dailyBody = `{"OutBlock_1":[
 {"ISU_SRT_CD":"TICK1","ISU_ABBRV":"Alpha","MKT_NM":"KOSPI","TDD_CLSPRC":"105,000","FLUC_RT":"2.10",
  "TDD_OPNPRC":"100,000","TDD_HGPRC":"106,000","TDD_LWPRC":"99,000","ACC_TRDVOL":"1,234",
  "ACC_TRDVAL":"129,570,000","MKTCAP":"1,000,000,000","LIST_SHRS":"10,000"}
]}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, RetryMax: 1}, nil, srv.Client(), nil)
}

func TestDailyListing_FormAndMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.URL.Path != dataPath || r.Form.Get("mktId") != "STK" || r.Form.Get("trdDd") != "20240115" ||
			r.Form.Get("bld") != bldPrefix+ReportDailyListing || r.Header.Get("Referer") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(dailyBody))
	})

	rows, err := c.DailyListing(context.Background(), model.MarketKOSPI, "20240115")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.RawRow{
		Symbol: "TICK1", Name: "Alpha", Market: "KOSPI", TradeDate: "20240115",
		Open: "100,000", High: "106,000", Low: "99,000", Close: "105,000",
		Volume: "1,234", ChangeRate: "2.10", MarketCap: "1,000,000,000", Shares: "10,000",
	}, rows[0])
}

func TestDailyListing_UnsupportedMarket(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.DailyListing(context.Background(), model.MarketUnknown, "20240115")
	assert.Error(t, err)
}

func TestDailyListing_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("mktId") != "KSQ" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(dailyBody))
	})

	rows, err := c.DailyListing(context.Background(), model.MarketKOSDAQ, "20240115")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "ok", statusLabel(nil))
	assert.Equal(t, "403", statusLabel(&httpclient.StatusError{Status: 403}))
	assert.Equal(t, "error", statusLabel(context.Canceled))
}

func TestMarketID(t *testing.T) {
	id, ok := MarketID(model.MarketKONEX)
	assert.True(t, ok)
	assert.Equal(t, "KNX", id)
	_, ok = MarketID(model.MarketUnknown)
	assert.False(t, ok)
}
