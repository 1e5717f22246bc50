package exchange

import (
	"trading_gate/config"
	"trading_gate/logs"
)

// New picks the paper venue in dry-run mode and Coinbase otherwise.
func New(cfg *config.GateConfig, env *config.EnvConfig) (Adapter, error) {
	if cfg.DryRun {
		logs.Infof("[Exchange] Dry-run mode: using paper venue (fee rate %.4f)", cfg.Exchange.PaperFeeRate)
		return NewPaperClient(cfg.InitialAvailableCash, cfg.Exchange.PaperFeeRate), nil
	}
	client, err := NewCoinbaseClient(cfg.Exchange, env)
	if err != nil {
		return nil, err
	}
	logs.Infof("[Exchange] Live mode: %s at %s", client.Name(), client.BaseURL)
	return client, nil
}
