package crm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

type upsertContactRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}

type upsertContactResponse struct {
	Contact struct {
		ID string `json:"id"`
	} `json:"contact"`
}

// UpsertContact creates or updates the contact for email and returns its id.
func (c *Client) UpsertContact(ctx context.Context, email, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	resp, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   "/contacts/upsert",
		Body:   upsertContactRequest{Email: key, Name: name, LocationID: c.cfg.LocationID},
	})
	if err != nil {
		return "", err
	}
	var out upsertContactResponse
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("decode contact upsert: %w", err)
	}
	if out.Contact.ID == "" {
		return "", fmt.Errorf("contact upsert returned no id")
	}
	c.contacts.Set(key, out.Contact.ID, ttlcache.DefaultTTL)
	return out.Contact.ID, nil
}

// ContactID returns the cached contact id for email, upserting on a miss.
func (c *Client) ContactID(ctx context.Context, email, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if item := c.contacts.Get(key); item != nil {
		return item.Value(), nil
	}
	return c.UpsertContact(ctx, email, name)
}

// AddTags attaches tags to a contact.
func (c *Client) AddTags(ctx context.Context, contactID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := c.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   "/contacts/" + contactID + "/tags",
		Body:   map[string][]string{"tags": tags},
	})
	return err
}
