package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"btc-wallet-intel/internal/domain/entity"
	"btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/logger"

	"go.uber.org/zap"
)

type predictRequest struct {
	Instances [][]float64 `json:"instances"`
}

type predictResponse struct {
	Predictions []float64 `json:"predictions"`
}

// HTTPModel scores scaled feature vectors with a remote model server
type HTTPModel struct {
	endpoint   string
	scaler     *MinMaxScaler
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClassifier returns the configured classifier. A disabled classifier
// leaves every wallet unclassified.
func NewClassifier(cfg *config.ClassifierConfig, logger *logger.Logger) (service.Classifier, error) {
	if !cfg.Enabled {
		logger.Info("Wallet classifier is disabled")
		return service.NopClassifier{}, nil
	}

	scaler, err := LoadMinMaxScaler(cfg.ScalerPath)
	if err != nil {
		return nil, err
	}
	return NewHTTPModel(cfg, scaler, logger), nil
}

// NewHTTPModel creates a model client with an already loaded scaler
func NewHTTPModel(cfg *config.ClassifierConfig, scaler *MinMaxScaler, logger *logger.Logger) *HTTPModel {
	return &HTTPModel{
		endpoint:   cfg.Endpoint,
		scaler:     scaler,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.WithComponent("wallet-classifier"),
	}
}

// Classify scales the wallet's features and returns the predicted class
func (m *HTTPModel) Classify(ctx context.Context, wallet *entity.WalletData) (int64, error) {
	features, err := m.scaler.Transform(service.Features(wallet))
	if err != nil {
		return entity.Unclassified, err
	}

	body, err := json.Marshal(predictRequest{Instances: [][]float64{features}})
	if err != nil {
		return entity.Unclassified, fmt.Errorf("failed to marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return entity.Unclassified, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return entity.Unclassified, fmt.Errorf("failed to call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return entity.Unclassified, fmt.Errorf("model returned status %d: %s", resp.StatusCode, payload)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return entity.Unclassified, fmt.Errorf("failed to decode prediction: %w", err)
	}
	if len(out.Predictions) != 1 {
		return entity.Unclassified, fmt.Errorf("expected one prediction, got %d", len(out.Predictions))
	}

	label := int64(out.Predictions[0])
	m.logger.Debug("Classified wallet",
		zap.String("address", wallet.Address),
		zap.Int64("class", label))
	return label, nil
}
