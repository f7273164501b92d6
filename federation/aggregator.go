package federation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/store"
	"github.com/neuroedge/neuromesh/types"
)

const modelStateKey = "fed_model"

// Update is one trainer's local model contribution. Coef is row-major,
// one row per class.
type Update struct {
	ID        string      `json:"id"`
	TS        float64     `json:"ts"`
	NFeatures int         `json:"n_features"`
	Classes   []string    `json:"classes"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	Samples   int         `json:"samples"`
}

// Weight is the update's influence during aggregation. Trainers that
// report zero samples still count once so a cold node is not silenced.
func (u *Update) Weight() float64 {
	if u.Samples < 1 {
		return 1
	}
	return float64(u.Samples)
}

// Model is the shared global model served to every trainer.
type Model struct {
	Version      int64       `json:"version"`
	NFeatures    int         `json:"n_features"`
	Classes      []string    `json:"classes"`
	Coef         [][]float64 `json:"coef"`
	Intercept    []float64   `json:"intercept"`
	Contributors []string    `json:"contributors,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at,omitempty"`
}

// Aggregator buffers signed updates and folds each full batch into the
// global model as a sample-weighted average.
type Aggregator struct {
	mu        sync.Mutex
	buffer    []Update
	model     Model
	batchSize int
	backing   store.StateStore
	logger    *zap.Logger
}

// NewAggregator restores the persisted model, starting from version 0
// when none exists.
func NewAggregator(batchSize int, backing store.StateStore, logger *zap.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 3
	}

	a := &Aggregator{
		batchSize: batchSize,
		backing:   backing,
		logger:    logger.With(zap.String("component", "fed-aggregator")),
	}

	err := store.GetKey(context.Background(), backing, modelStateKey, &a.model)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	a.logger.Info("aggregator ready",
		zap.Int64("model_version", a.model.Version),
		zap.Int("batch_size", batchSize),
	)
	return a, nil
}

// ValidateUpdate rejects structurally broken contributions before they
// reach the buffer.
func ValidateUpdate(u *Update) *types.Error {
	bad := func(msg string) *types.Error {
		return types.NewError(types.ErrMalformedUpdate, msg).WithHTTPStatus(http.StatusBadRequest)
	}

	switch {
	case u == nil:
		return bad("missing update")
	case u.ID == "":
		return bad("update missing id")
	case u.NFeatures <= 0:
		return bad("update missing n_features")
	case len(u.Classes) == 0:
		return bad("update missing classes")
	case len(u.Coef) == 0:
		return bad("update missing coef")
	case len(u.Intercept) != len(u.Coef):
		return bad("intercept length does not match coef rows")
	}
	for _, row := range u.Coef {
		if len(row) != u.NFeatures {
			return bad("coef row width does not match n_features")
		}
	}
	return nil
}

// Submit buffers the update. When the buffer reaches the batch size it
// is aggregated into a new model version and cleared. The returned
// model reflects the post-submit state either way.
func (a *Aggregator) Submit(ctx context.Context, u Update) (Model, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buffer = append(a.buffer, u)
	if len(a.buffer) < a.batchSize {
		return a.snapshotLocked(), false, nil
	}

	batch := a.buffer
	a.buffer = nil
	a.aggregateLocked(batch)

	if err := store.SetKey(ctx, a.backing, modelStateKey, a.model); err != nil {
		return a.snapshotLocked(), true, err
	}
	if err := a.backing.AppendEvent(ctx, "fed_aggregated", map[string]any{
		"version":      a.model.Version,
		"contributors": a.model.Contributors,
	}); err != nil {
		a.logger.Warn("failed to record aggregation event", zap.Error(err))
	}

	a.logger.Info("aggregated federated batch",
		zap.Int64("model_version", a.model.Version),
		zap.Int("contributors", len(batch)),
	)
	return a.snapshotLocked(), true, nil
}

// Current returns the model snapshot and how many updates are pending.
func (a *Aggregator) Current() (Model, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(), len(a.buffer)
}

// aggregateLocked folds a batch into the model: a sample-weighted
// element-wise mean of coef and intercept. The widest contribution
// dictates the matrix shape; narrower ones contribute where they have
// values.
func (a *Aggregator) aggregateLocked(batch []Update) {
	rows, cols := 0, 0
	for i := range batch {
		if len(batch[i].Coef) > rows {
			rows = len(batch[i].Coef)
		}
		if batch[i].NFeatures > cols {
			cols = batch[i].NFeatures
		}
	}

	coefSum := make([][]float64, rows)
	coefWeight := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		coefSum[r] = make([]float64, cols)
		coefWeight[r] = make([]float64, cols)
	}
	interceptSum := make([]float64, rows)
	interceptWeight := make([]float64, rows)

	contributors := make([]string, 0, len(batch))
	var classes []string
	nFeatures := cols

	for i := range batch {
		u := &batch[i]
		w := u.Weight()
		contributors = append(contributors, u.ID)
		if len(u.Classes) > len(classes) {
			classes = u.Classes
		}
		for r, row := range u.Coef {
			for c, v := range row {
				coefSum[r][c] += v * w
				coefWeight[r][c] += w
			}
			interceptSum[r] += u.Intercept[r] * w
			interceptWeight[r] += w
		}
	}

	coef := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		coef[r] = make([]float64, cols)
		for c := 0; c < cols; c++ {
			if coefWeight[r][c] > 0 {
				coef[r][c] = coefSum[r][c] / coefWeight[r][c]
			}
		}
	}
	intercept := make([]float64, rows)
	for r := 0; r < rows; r++ {
		if interceptWeight[r] > 0 {
			intercept[r] = interceptSum[r] / interceptWeight[r]
		}
	}

	a.model = Model{
		Version:      a.model.Version + 1,
		NFeatures:    nFeatures,
		Classes:      classes,
		Coef:         coef,
		Intercept:    intercept,
		Contributors: contributors,
		UpdatedAt:    time.Now().UTC(),
	}
}

func (a *Aggregator) snapshotLocked() Model {
	m := a.model
	m.Classes = append([]string(nil), a.model.Classes...)
	m.Contributors = append([]string(nil), a.model.Contributors...)
	m.Intercept = append([]float64(nil), a.model.Intercept...)
	m.Coef = make([][]float64, len(a.model.Coef))
	for i, row := range a.model.Coef {
		m.Coef[i] = append([]float64(nil), row...)
	}
	return m
}
