package ioc

import (
	"time"

	brokerkite "github.com/KNICEX/strategy-agent/internal/service/broker/kite"
	marketkite "github.com/KNICEX/strategy-agent/internal/service/market/kite"
	"github.com/spf13/viper"
)

type kiteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func loadKiteConfig() kiteConfig {
	var cfg kiteConfig
	if err := viper.UnmarshalKey("broker.kite", &cfg); err != nil {
		panic(err)
	}
	if cfg.BaseURL == "" {
		panic("broker.kite.base_url not set")
	}
	if cfg.Timeout <= 0 {
		// 下单接口要等订单终态, 留足余量
		cfg.Timeout = 60 * time.Second
	}
	return cfg
}

func InitKiteMarketSource() *marketkite.Source {
	cfg := loadKiteConfig()
	return marketkite.NewSource(cfg.BaseURL, cfg.Timeout)
}

func InitKiteBroker() *brokerkite.Broker {
	cfg := loadKiteConfig()
	return brokerkite.NewBroker(cfg.BaseURL, cfg.Timeout)
}
