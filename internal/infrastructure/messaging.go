package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/terrarium/services/habitat/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// AlertArchive forwards raised alerts to a service bus queue so downstream
// consumers (audit, paging, reporting) receive a durable copy. It sits off
// the delivery path; send failures are the caller's to log, not to retry.
type AlertArchive struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func NewAlertArchive(cfg config.AlertBusConfig) (*AlertArchive, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &AlertArchive{
		client: client,
		sender: sender,
	}, nil
}

// Archive sends one alert to the queue.
func (a *AlertArchive) Archive(ctx context.Context, alert interface{}) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source":    "habitat-service",
			"timestamp": time.Now().Unix(),
		},
	}

	return a.sender.SendMessage(ctx, msg, nil)
}

func (a *AlertArchive) Close() error {
	if a.sender != nil {
		if err := a.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if a.client != nil {
		return a.client.Close(context.Background())
	}

	return nil
}
