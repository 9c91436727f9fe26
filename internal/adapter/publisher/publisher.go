package publisher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/asset-store/internal/config"
	"github.com/rl1809/asset-store/internal/port"
)

// New builds the publisher selected by cfg.Driver.
func New(cfg config.NotifyConfig, logger *zap.Logger) (port.EventPublisher, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "rabbitmq":
		return NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitQueue)
	case "log", "":
		return NewLogPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}
