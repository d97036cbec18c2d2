package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hyperion-crawler/krx-etl/internal/metrics"
	"github.com/hyperion-crawler/krx-etl/internal/normalize"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

var (
	// ErrMappingMiss means a row's symbol has no identifier in the day's
	// mapping. Reconciliation should have resolved every observed symbol.
	ErrMappingMiss = errors.New("no identifier mapped for symbol")
	// ErrSchema fails a whole transform when the rows lack required fields.
	ErrSchema = errors.New("snapshot rows missing required fields")
)

// ValidationError rejects a single row.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Rules toggle derived columns.
type Rules struct {
	CalculateChangeAmount bool `json:"calculate_change_amount"`
	CalculateTradingValue bool `json:"calculate_trading_value"`
}

func DefaultRules() Rules {
	return Rules{CalculateChangeAmount: true, CalculateTradingValue: true}
}

// RulesFromParams reads rule overrides from pipeline parameters.
func RulesFromParams(params map[string]any) Rules {
	r := DefaultRules()
	if v, ok := params["calculate_change_amount"].(bool); ok {
		r.CalculateChangeAmount = v
	}
	if v, ok := params["calculate_trading_value"].(bool); ok {
		r.CalculateTradingValue = v
	}
	return r
}

type Config struct {
	MarketCapThreshold decimal.Decimal
	Currency           string
	DataSource         string
	Actor              string
}

// Rejection is a row that did not become a price record.
type Rejection struct {
	Row model.RawRow
	Err error
}

// Output of one Transform call.
type Output struct {
	Records       []model.PriceRecord
	Rejected      []Rejection
	MappingMisses int
}

type Transformer struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MarketCapThreshold.IsZero() {
		cfg.MarketCapThreshold = normalize.DefaultMarketCapThreshold
	}
	if cfg.Currency == "" {
		cfg.Currency = model.CurrencyKRW
	}
	if cfg.DataSource == "" {
		cfg.DataSource = model.SourceKRX
	}
	return &Transformer{cfg: cfg, logger: logger, now: time.Now}
}

// Transform maps every row. Only a schema failure is returned as an error;
// per-row problems land in Output.Rejected.
func (t *Transformer) Transform(rows []model.RawRow, mapping model.Mapping, rules Rules) (*Output, error) {
	out := &Output{}
	if len(rows) == 0 {
		return out, nil
	}
	if missing := missingRequired(rows[0]); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSchema, strings.Join(missing, ", "))
	}

	out.Records = make([]model.PriceRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := t.TransformRow(row, mapping, rules)
		if err != nil {
			if errors.Is(err, ErrMappingMiss) {
				out.MappingMisses++
				t.logger.Warn("transform.mapping_miss",
					zap.String("symbol", row.Symbol),
					zap.String("market", row.Market))
			} else {
				t.logger.Debug("transform.row_rejected",
					zap.String("symbol", row.Symbol), zap.Error(err))
			}
			out.Rejected = append(out.Rejected, Rejection{Row: row, Err: err})
			continue
		}
		out.Records = append(out.Records, rec)
	}

	metrics.AddRows(t.cfg.DataSource, "transform", "ok", len(out.Records))
	metrics.AddRows(t.cfg.DataSource, "transform", "rejected", len(out.Rejected))
	t.logger.Info("transform.completed",
		zap.Int("rows", len(rows)),
		zap.Int("records", len(out.Records)),
		zap.Int("rejected", len(out.Rejected)),
		zap.Int("mapping_misses", out.MappingMisses))
	return out, nil
}

// TransformRow resolves, parses, derives and validates one row.
func (t *Transformer) TransformRow(row model.RawRow, mapping model.Mapping, rules Rules) (model.PriceRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
	id, ok := mapping.Lookup(symbol, model.ParseMarket(strings.ToUpper(strings.TrimSpace(row.Market))))
	if !ok {
		return model.PriceRecord{}, fmt.Errorf("%w: %s", ErrMappingMiss, symbol)
	}

	tradeDate, err := normalize.ParseTradeDate(row.TradeDate)
	if err != nil {
		return model.PriceRecord{}, &ValidationError{Field: "trade_date", Reason: err.Error()}
	}

	now := t.now().UTC()
	rec := model.PriceRecord{
		SecurityID: id,
		Symbol:     symbol,
		TradeDate:  tradeDate,
		Open:       normalize.ParseNumeric(row.Open),
		High:       normalize.ParseNumeric(row.High),
		Low:        normalize.ParseNumeric(row.Low),
		Close:      normalize.ParseNumeric(row.Close),
		ChangeRate: normalize.ParseNumeric(row.ChangeRate),
		MarketCap:  normalize.NormalizeMarketCap(normalize.ParseNumeric(row.MarketCap), t.cfg.MarketCapThreshold),
		Currency:   t.cfg.Currency,
		DataSource: t.cfg.DataSource,
		CreatedBy:  t.cfg.Actor,
		UpdatedBy:  t.cfg.Actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if v, ok := normalize.ParseInt(row.Volume); ok {
		rec.Volume = &v
	}
	if v, ok := normalize.ParseInt(row.Shares); ok {
		rec.SharesOutstanding = &v
	}
	if rules.CalculateChangeAmount {
		rec.ChangeAmount = normalize.ChangeAmount(rec.Close, rec.ChangeRate)
	}
	if rules.CalculateTradingValue && rec.Volume != nil {
		rec.TradingValue = normalize.TradingValue(rec.Close, *rec.Volume)
	}

	if err := Validate(rec); err != nil {
		return model.PriceRecord{}, err
	}
	return rec, nil
}

// Validate checks presence, sign and ordering of a record's prices.
func Validate(rec model.PriceRecord) error {
	if !rec.Close.Valid {
		return &ValidationError{Field: "close_price", Reason: "missing"}
	}
	prices := []struct {
		name string
		v    decimal.NullDecimal
	}{
		{"open_price", rec.Open},
		{"high_price", rec.High},
		{"low_price", rec.Low},
		{"close_price", rec.Close},
	}
	for _, p := range prices {
		if p.v.Valid && p.v.Decimal.IsNegative() {
			return &ValidationError{Field: p.name, Reason: "negative"}
		}
	}
	for _, p := range prices {
		if !p.v.Valid {
			continue
		}
		if rec.High.Valid && rec.High.Decimal.LessThan(p.v.Decimal) {
			return &ValidationError{Field: "high_price", Reason: fmt.Sprintf("below %s", p.name)}
		}
		if rec.Low.Valid && rec.Low.Decimal.GreaterThan(p.v.Decimal) {
			return &ValidationError{Field: "low_price", Reason: fmt.Sprintf("above %s", p.name)}
		}
	}
	if rec.Volume != nil && *rec.Volume < 0 {
		return &ValidationError{Field: "volume", Reason: "negative"}
	}
	if rec.TradingValue.Valid && rec.TradingValue.Decimal.IsNegative() {
		return &ValidationError{Field: "trading_value", Reason: "negative"}
	}
	return nil
}

func missingRequired(r model.RawRow) []string {
	var missing []string
	if strings.TrimSpace(r.Symbol) == "" {
		missing = append(missing, "ticker")
	}
	if strings.TrimSpace(r.Market) == "" {
		missing = append(missing, "market")
	}
	if strings.TrimSpace(r.TradeDate) == "" {
		missing = append(missing, "trade_date")
	}
	return missing
}
