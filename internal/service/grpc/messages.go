package grpcsvc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

// GetOrderRequest — запрос заказа по идентификатору.
type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

// ListOrdersRequest — заказы пользователя.
type ListOrdersRequest struct {
	UserID string `json:"userId"`
	Limit  int    `json:"limit,omitempty"`
}

// GetProfileRequest — игровой профиль пользователя.
type GetProfileRequest struct {
	UserID string `json:"userId"`
}

// UpdateOrderStatusRequest — смена статуса фулфилментом.
type UpdateOrderStatusRequest struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

// ViewProductRequest — карточка товара.
type ViewProductRequest struct {
	ProductID string `json:"productId"`
}

// SizeStockView — остаток размера.
type SizeStockView struct {
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

// ColorVariationView — цвет со своей сеткой размеров.
type ColorVariationView struct {
	ColorName string          `json:"colorName"`
	HexCode   string          `json:"hexCode,omitempty"`
	Available bool            `json:"available"`
	SizeStock []SizeStockView `json:"sizeStock"`
}

// ProductView — карточка товара в ответе API.
type ProductView struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	VendorID        string               `json:"vendorId,omitempty"`
	ImageURL        string               `json:"imageUrl,omitempty"`
	XPReward        int                  `json:"xpReward"`
	TotalStock      int                  `json:"totalStock"`
	Sizes           []SizeStockView      `json:"sizes,omitempty"`
	ColorVariations []ColorVariationView `json:"colorVariations,omitempty"`
	SalesCount      int64                `json:"salesCount"`
	ViewCount       int64                `json:"viewCount"`
}

// OrderItemView — позиция заказа в ответе.
type OrderItemView struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"selectedColor,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"price"`
	ImageURL  string `json:"displayedImage,omitempty"`
	VendorID  string `json:"vendorId,omitempty"`
}

// TimelineView — событие таймлайна заказа.
type TimelineView struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	UnixTime int64  `json:"unixTime"`
}

// OrderView — заказ в ответе API.
type OrderView struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	Status            string          `json:"status"`
	TotalAmount       string          `json:"totalAmount"`
	ShippingAddress   string          `json:"shippingAddress"`
	EstimatedDelivery time.Time       `json:"estimatedDelivery"`
	Carrier           string          `json:"carrier,omitempty"`
	TrackingNumber    string          `json:"trackingNumber,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	Items             []OrderItemView `json:"items"`
	Timeline          []TimelineView  `json:"timeline,omitempty"`
}

// ListOrdersResponse — ответ ListOrders.
type ListOrdersResponse struct {
	Orders []OrderView `json:"orders"`
}

// ProfileView — игровой профиль в ответе API.
type ProfileView struct {
	UserID        string `json:"userId"`
	Points        int64  `json:"points"`
	Level         int    `json:"level"`
	Title         string `json:"title"`
	Coins         int64  `json:"coins"`
	Spins         int64  `json:"spins"`
	StreakCurrent int    `json:"streakCurrent"`
	StreakLongest int    `json:"streakLongest"`
}

func toOrderView(order domain.Order, timeline []domain.TimelineEvent) OrderView {
	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemView{
			ID:        item.ID,
			ProductID: item.ProductID,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
			ImageURL:  item.ImageURL,
			VendorID:  item.VendorID,
		})
	}

	var events []TimelineView
	for _, event := range timeline {
		events = append(events, TimelineView{
			Seq:      event.Seq,
			Type:     event.Type,
			Reason:   event.Reason,
			UnixTime: event.Occurred.Unix(),
		})
	}

	return OrderView{
		ID:                order.ID,
		UserID:            order.UserID,
		Status:            string(order.Status),
		TotalAmount:       order.TotalAmount.StringFixed(2),
		ShippingAddress:   order.ShippingSnapshot,
		EstimatedDelivery: order.EstimatedDelivery,
		Carrier:           order.Tracking.Carrier,
		TrackingNumber:    order.Tracking.TrackingNumber,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt,
		Items:             items,
		Timeline:          events,
	}
}

func toProductView(p domain.Product) ProductView {
	view := ProductView{
		ID:         p.ID,
		Name:       p.Name,
		VendorID:   p.VendorID,
		ImageURL:   p.ImageURL,
		XPReward:   p.XPReward,
		TotalStock: p.TotalStock,
		Sizes:      toSizeViews(p.Sizes),
		SalesCount: p.SalesCount,
		ViewCount:  p.ViewCount,
	}
	for _, v := range p.Variations {
		view.ColorVariations = append(view.ColorVariations, ColorVariationView{
			ColorName: v.ColorName,
			HexCode:   v.HexCode,
			Available: v.Available,
			SizeStock: toSizeViews(v.SizeStock),
		})
	}
	return view
}

func toSizeViews(sizes []domain.SizeStock) []SizeStockView {
	if len(sizes) == 0 {
		return nil
	}
	out := make([]SizeStockView, 0, len(sizes))
	for _, s := range sizes {
		out = append(out, SizeStockView{Size: s.Size, Quantity: s.Quantity})
	}
	return out
}

func toProfileView(p domain.Profile) ProfileView {
	return ProfileView{
		UserID:        p.UserID,
		Points:        p.Points,
		Level:         p.Level,
		Title:         p.Title(),
		Coins:         p.Wallet.Coins,
		Spins:         p.Wallet.Spins,
		StreakCurrent: p.Streak.Current,
		StreakLongest: p.Streak.Longest,
	}
}

// decodeStruct переводит Struct в типизированный DTO через JSON; неизвестные поля отклоняются.
func decodeStruct(in *structpb.Struct, out any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
