package ops

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hyperion-crawler/krx-etl/internal/normalize"
	"github.com/hyperion-crawler/krx-etl/internal/pipeline"
	"github.com/hyperion-crawler/krx-etl/pkg/model"
)

// RunRequest is the body of POST /etl/pipeline/:source. Every field is optional.
type RunRequest struct {
	TradeDate             string `json:"trade_date" validate:"omitempty,trade_date"`
	Markets               string `json:"markets" validate:"omitempty,krx_markets"`
	LoadMode              string `json:"load_mode" validate:"omitempty,oneof=insert upsert replace"`
	CalculateChangeAmount *bool  `json:"calculate_change_amount"`
	CalculateTradingValue *bool  `json:"calculate_trading_value"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("trade_date", validateTradeDate)
	_ = v.RegisterValidation("krx_markets", validateMarkets)
	return v
}

func validateTradeDate(fl validator.FieldLevel) bool {
	_, err := normalize.ParseTradeDate(fl.Field().String())
	return err == nil
}

// validateMarkets accepts a comma separated list of known venues.
func validateMarkets(fl validator.FieldLevel) bool {
	for _, part := range strings.Split(fl.Field().String(), ",") {
		if model.ParseMarket(strings.ToUpper(strings.TrimSpace(part))) == model.MarketUnknown {
			return false
		}
	}
	return true
}

func (r RunRequest) Validate() error {
	return validate.Struct(r)
}

// Params converts the request to pipeline params, omitting unset fields.
func (r RunRequest) Params() pipeline.Params {
	p := pipeline.Params{}
	if r.TradeDate != "" {
		p["trade_date"] = r.TradeDate
	}
	if r.Markets != "" {
		p["markets"] = r.Markets
	}
	if r.LoadMode != "" {
		p["load_mode"] = strings.ToLower(r.LoadMode)
	}
	if r.CalculateChangeAmount != nil {
		p["calculate_change_amount"] = *r.CalculateChangeAmount
	}
	if r.CalculateTradingValue != nil {
		p["calculate_trading_value"] = *r.CalculateTradingValue
	}
	return p
}
