package models

// Requests for the forecasting HTTP endpoints. Defined in domain for consistency and reuse.

type TrainRequest struct {
	Exchange string `json:"exchange" validate:"required"`
	Symbol   string `json:"symbol" validate:"required"`
	Async    bool   `json:"async"`
}

type BatchTrainRequest struct {
	Instruments []string `json:"instruments" validate:"required,min=1,max=500,dive,required"`
	Queue       bool     `json:"queue"`
}

type InstrumentParams struct {
	Exchange string `param:"exchange" validate:"required"`
	Symbol   string `param:"symbol" validate:"required"`
}

type ForecastRequest struct {
	Exchange string `param:"exchange" validate:"required"`
	Symbol   string `param:"symbol" validate:"required"`
	Horizon  int    `query:"horizon" default:"5" validate:"gte=1,lte=365"`
}

type BacktestRequest struct {
	Exchange string `param:"exchange" validate:"required"`
	Symbol   string `param:"symbol" validate:"required"`
	Days     int    `query:"days" default:"252" validate:"gte=1,lte=5000"`
}
