package client

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"orderpulse/internal/logging"
)

func (c *APIClient) FetchOrders(ctx context.Context, accessToken string) ([]Order, error) {
	return c.fetchOrderList(ctx, c.endpoints.OrdersURL, accessToken)
}

func (c *APIClient) FetchPendingOrders(ctx context.Context, accessToken string) ([]Order, error) {
	return c.fetchOrderList(ctx, c.endpoints.PendingOrdersURL, accessToken)
}

func (c *APIClient) FetchOrder(ctx context.Context, accessToken string, id string) (Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Order{}, errors.New("order id is required")
	}
	order := Order{}
	if err := c.getJSON(ctx, c.endpoints.OrdersURL+"/"+url.PathEscape(id), accessToken, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *APIClient) fetchOrderList(ctx context.Context, endpoint string, accessToken string) ([]Order, error) {
	orders := []Order{}
	if err := c.getJSON(ctx, endpoint, accessToken, &orders); err != nil {
		return nil, err
	}
	c.logger.Debug("orders loaded", logging.Field("url", endpoint), logging.Field("count", len(orders)))
	return orders, nil
}
