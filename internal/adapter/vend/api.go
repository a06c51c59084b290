package vend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Typed wrappers over the X-Series 2.0 API surface the handlers need. Each
// goes through Do, so policy (kill switch, breaker, limiter, retries) applies
// uniformly.

// Page is one cursor page of a collection listing. Version.Max feeds the
// `after` parameter of the next page.
type Page struct {
	Data    []json.RawMessage `json:"data"`
	Version struct {
		Min int64 `json:"min"`
		Max int64 `json:"max"`
	} `json:"version"`
}

// Envelope wraps single-entity responses.
type Envelope struct {
	Data json.RawMessage `json:"data"`
}

const defaultPageSize = 200

// CreateConsignment submits a new consignment.
func (c *Client) CreateConsignment(ctx context.Context, body any, idemKey string) (json.RawMessage, error) {
	var out Envelope
	err := c.Do(ctx, http.MethodPost, "/api/2.0/consignments", body, &out, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// UpdateConsignment transitions a consignment's status (SENT, RECEIVED).
func (c *Client) UpdateConsignment(ctx context.Context, id string, body any, idemKey string) (json.RawMessage, error) {
	var out Envelope
	err := c.Do(ctx, http.MethodPut, "/api/2.0/consignments/"+url.PathEscape(id), body, &out, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CancelConsignment cancels a consignment.
func (c *Client) CancelConsignment(ctx context.Context, id, idemKey string) error {
	body := map[string]string{"status": "CANCELLED"}
	return c.Do(ctx, http.MethodPut, "/api/2.0/consignments/"+url.PathEscape(id), body, nil, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
}

// UpsertConsignmentLine adds or updates one product line on a consignment.
func (c *Client) UpsertConsignmentLine(ctx context.Context, consignmentID string, line any, idemKey string) error {
	path := "/api/2.0/consignments/" + url.PathEscape(consignmentID) + "/products"
	return c.Do(ctx, http.MethodPost, path, line, nil, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
}

// UpdateProduct pushes a product update.
func (c *Client) UpdateProduct(ctx context.Context, id string, body any, idemKey string) error {
	return c.Do(ctx, http.MethodPut, "/api/2.0/products/"+url.PathEscape(id), body, nil, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
}

// AdjustInventory submits an inventory adjustment.
func (c *Client) AdjustInventory(ctx context.Context, body any, idemKey string) error {
	return c.Do(ctx, http.MethodPost, "/api/2.0/inventory_adjustments", body, nil, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
}

// SetInventoryLevel sets an absolute inventory count for a product at an
// outlet.
func (c *Client) SetInventoryLevel(ctx context.Context, productID, outletID string, count float64, idemKey string) error {
	body := map[string]any{
		"product_id": productID,
		"outlet_id":  outletID,
		"count":      count,
	}
	return c.Do(ctx, http.MethodPost, "/api/2.0/inventory_counts", body, nil, RequestOptions{
		IdempotencyKey: idemKey, WaitForLimiter: true,
	})
}

// GetInventoryLevel reads the current count for a product at an outlet.
func (c *Client) GetInventoryLevel(ctx context.Context, productID, outletID string) (float64, error) {
	var out struct {
		Data []struct {
			ProductID string  `json:"product_id"`
			OutletID  string  `json:"outlet_id"`
			Count     float64 `json:"inventory_level"`
		} `json:"data"`
	}
	q := fmt.Sprintf("/api/2.0/inventory?product_id=%s&outlet_id=%s",
		url.QueryEscape(productID), url.QueryEscape(outletID))
	if err := c.Do(ctx, http.MethodGet, q, nil, &out, RequestOptions{WaitForLimiter: true}); err != nil {
		return 0, err
	}
	for _, lvl := range out.Data {
		if lvl.ProductID == productID && lvl.OutletID == outletID {
			return lvl.Count, nil
		}
	}
	if len(out.Data) > 0 {
		return out.Data[0].Count, nil
	}
	return 0, nil
}

// ListPage fetches one cursor page of an entity collection ("products",
// "inventory", "consignments"). after="" starts from the beginning.
func (c *Client) ListPage(ctx context.Context, entity, after string) (Page, error) {
	path := fmt.Sprintf("/api/2.0/%s?page_size=%d", url.PathEscape(entity), defaultPageSize)
	if after != "" {
		path += "&after=" + url.QueryEscape(after)
	}
	var out Page
	if err := c.Do(ctx, http.MethodGet, path, nil, &out, RequestOptions{WaitForLimiter: true}); err != nil {
		return Page{}, err
	}
	return out, nil
}
