package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"FinCast/internal/domain/models"
	domsvc "FinCast/internal/domain/service"
	pkgkafka "FinCast/pkg/kafka"
	applogger "FinCast/pkg/logger"
	"FinCast/pkg/queue"
)

// JobTrainInstrument is the queue message type of a training request.
const JobTrainInstrument = "train_instrument"

// TrainPayload is the body of a queued or streamed training request.
type TrainPayload struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (p TrainPayload) instrument() (models.Instrument, error) {
	inst := models.NewInstrument(p.Exchange, p.Symbol)
	return inst, inst.Validate()
}

// trainOutcome decides whether a failed request is worth retrying. A
// training already running elsewhere satisfies the request.
func trainOutcome(err error) (retry bool, result error) {
	switch Classify(err) {
	case models.StatusOK, models.StatusTraining:
		return false, nil
	case models.StatusInsufficientData, models.StatusCancelled:
		return false, err
	default:
		return true, err
	}
}

// TrainJob runs queued training requests.
type TrainJob struct {
	trainer domsvc.Trainer
	l       *applogger.Logger
}

func NewTrainJob(trainer domsvc.Trainer, l *applogger.Logger) *TrainJob {
	if l == nil {
		l = applogger.Nop()
	}
	return &TrainJob{trainer: trainer, l: l}
}

func (j *TrainJob) Name() string { return "train-instrument" }
func (j *TrainJob) Type() string { return JobTrainInstrument }

func (j *TrainJob) Handle(ctx context.Context, payload json.RawMessage) error {
	p, err := queue.Decode[TrainPayload](payload)
	if err != nil {
		return err
	}
	inst, err := p.instrument()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	}
	_, err = j.trainer.Train(ctx, inst)
	retry, err := trainOutcome(err)
	if err != nil && !retry {
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	}
	return err
}

// Enqueue schedules a training of inst on the job queue.
func Enqueue(ctx context.Context, pub queue.Publisher, inst models.Instrument) error {
	return pub.Enqueue(ctx, JobTrainInstrument, TrainPayload{Exchange: inst.Exchange, Symbol: inst.Symbol})
}

// KafkaTrainHandler consumes training requests from a topic.
type KafkaTrainHandler struct {
	topic   string
	trainer domsvc.Trainer
	l       *applogger.Logger
}

func NewKafkaTrainHandler(topic string, trainer domsvc.Trainer, l *applogger.Logger) *KafkaTrainHandler {
	if l == nil {
		l = applogger.Nop()
	}
	return &KafkaTrainHandler{topic: topic, trainer: trainer, l: l}
}

func (h *KafkaTrainHandler) Topic() string { return h.topic }

// incoming message schema: {exchange, symbol}
func (h *KafkaTrainHandler) Handle(ctx context.Context, b []byte) error {
	var p TrainPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("%w: decode train request: %v", pkgkafka.ErrPermanent, err)
	}
	inst, err := p.instrument()
	if err != nil {
		return fmt.Errorf("%w: %v", pkgkafka.ErrPermanent, err)
	}
	h.l.Debug("train request received",
		applogger.Instrument(inst),
		applogger.String("request_id", pkgkafka.RequestID(ctx)),
	)
	_, err = h.trainer.Train(ctx, inst)
	retry, err := trainOutcome(err)
	if err != nil && !retry {
		return fmt.Errorf("%w: %v", pkgkafka.ErrPermanent, err)
	}
	return err
}

var (
	_ queue.Job               = (*TrainJob)(nil)
	_ pkgkafka.MessageHandler = (*KafkaTrainHandler)(nil)
)
