package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/vault"
)

// APIClient is the outbound surface workers use against one platform
// instance with one set of decrypted credentials.
type APIClient interface {
	PlatformType() string
	InstanceURL() string

	// Ping verifies the instance is reachable with the bound credentials.
	Ping(ctx context.Context) error
}

type client struct {
	platformType string
	instanceURL  string
	token        string
	http         *http.Client
}

func newClient(conn *persistence.PlatformConnection, creds vault.Credentials) *client {
	return &client{
		platformType: conn.PlatformType,
		instanceURL:  strings.TrimRight(conn.InstanceURL, "/"),
		token:        creds.AccessToken,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) PlatformType() string { return c.platformType }
func (c *client) InstanceURL() string  { return c.instanceURL }

func (c *client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL+"/api/v1/accounts/verify_credentials", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.instanceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ping %s: status %d", c.instanceURL, resp.StatusCode)
	}
	return nil
}
