package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
)

const (
	recordTTL      = 120
	requestTimeout = 10 * time.Second
)

// Cloudflare provisions DNS records in a single zone through the Cloudflare API.
type Cloudflare struct {
	api    *cloudflare.API
	zone   *cloudflare.ResourceContainer
	domain string
	logger *slog.Logger
}

// NewCloudflare constructs a provisioner for records under domain. An empty
// baseURL targets the public API; extra options are passed to the SDK.
func NewCloudflare(baseURL, zoneID, token, domain string, logger *slog.Logger, opts ...cloudflare.Option) (*Cloudflare, error) {
	if strings.TrimSpace(zoneID) == "" || strings.TrimSpace(token) == "" {
		return nil, errors.New("cloudflare zone id and api token must be set")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("parent domain must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sdkOpts := []cloudflare.Option{cloudflare.HTTPClient(&http.Client{Timeout: requestTimeout})}
	if baseURL != "" {
		sdkOpts = append(sdkOpts, cloudflare.BaseURL(strings.TrimRight(baseURL, "/")))
	}
	api, err := cloudflare.NewWithAPIToken(token, append(sdkOpts, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create cloudflare client: %w", err)
	}
	return &Cloudflare{
		api:    api,
		zone:   cloudflare.ZoneIdentifier(zoneID),
		domain: strings.Trim(domain, "."),
		logger: logger.With("component", "dns"),
	}, nil
}

// FQDN returns the full name for subdomain under the configured domain.
func (c *Cloudflare) FQDN(subdomain string) string {
	return subdomain + "." + c.domain
}

// UpsertRecord creates or updates the record for subdomain and returns its full
// name. Repeated calls converge on exactly one record.
func (c *Cloudflare) UpsertRecord(ctx context.Context, subdomain, target, recordType string) (string, error) {
	if recordType == "" {
		recordType = "CNAME"
	}
	name := c.FQDN(subdomain)
	existing, err := c.list(ctx, name)
	if err != nil {
		return "", err
	}

	if len(existing) == 0 {
		_, err := c.api.CreateDNSRecord(ctx, c.zone, cloudflare.CreateDNSRecordParams{
			Type:    recordType,
			Name:    name,
			Content: target,
			TTL:     recordTTL,
			Proxied: cloudflare.BoolPtr(true),
		})
		if err != nil {
			return "", fmt.Errorf("create dns record %s: %w", name, err)
		}
		c.logger.Info("dns record created", "name", name, "type", recordType)
		return name, nil
	}

	_, err = c.api.UpdateDNSRecord(ctx, c.zone, cloudflare.UpdateDNSRecordParams{
		ID:      existing[0].ID,
		Type:    recordType,
		Name:    name,
		Content: target,
		TTL:     recordTTL,
		Proxied: cloudflare.BoolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("update dns record %s: %w", name, err)
	}
	for _, dup := range existing[1:] {
		if err := c.api.DeleteDNSRecord(ctx, c.zone, dup.ID); err != nil {
			c.logger.Warn("failed to remove duplicate dns record", "name", name, "record_id", dup.ID, "error", err)
		}
	}
	c.logger.Info("dns record updated", "name", name, "type", recordType)
	return name, nil
}

// DeleteRecord removes every record named for subdomain. Missing records are not an error.
func (c *Cloudflare) DeleteRecord(ctx context.Context, subdomain string) error {
	name := c.FQDN(subdomain)
	existing, err := c.list(ctx, name)
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if err := c.api.DeleteDNSRecord(ctx, c.zone, rec.ID); err != nil {
			return fmt.Errorf("delete dns record %s: %w", name, err)
		}
	}
	return nil
}

func (c *Cloudflare) list(ctx context.Context, name string) ([]cloudflare.DNSRecord, error) {
	records, _, err := c.api.ListDNSRecords(ctx, c.zone, cloudflare.ListDNSRecordsParams{Name: name})
	if err != nil {
		return nil, fmt.Errorf("list dns records %s: %w", name, err)
	}
	return records, nil
}
