package zinc

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Address struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	ZipCode      string `json:"zip_code"`
	City         string `json:"city"`
	State        string `json:"state"`
	Country      string `json:"country"`
	PhoneNumber  string `json:"phone_number"`
}

type Webhooks struct {
	RequestSucceeded string `json:"request_succeeded,omitempty"`
	RequestFailed    string `json:"request_failed,omitempty"`
	TrackingObtained string `json:"tracking_obtained,omitempty"`
	StatusUpdated    string `json:"status_updated,omitempty"`
}

type GiftOptions struct {
	IsGift      bool   `json:"is_gift"`
	GiftMessage string `json:"gift_message,omitempty"`
}

// PlaceOrderRequest is the body of POST /v1/orders. IdempotencyKey makes a
// retried submission return the original request instead of a new order.
type PlaceOrderRequest struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	Retailer        string            `json:"retailer"`
	Products        []Product         `json:"products"`
	MaxPrice        int64             `json:"max_price"`
	ShippingAddress Address           `json:"shipping_address"`
	Shipping        map[string]any    `json:"shipping,omitempty"`
	ShippingMethod  string            `json:"shipping_method,omitempty"`
	Addax           bool              `json:"addax"`
	IsGift          bool              `json:"is_gift"`
	GiftMessage     string            `json:"gift_message,omitempty"`
	Webhooks        *Webhooks         `json:"webhooks,omitempty"`
	ClientNotes     map[string]string `json:"client_notes,omitempty"`
}

type PlaceOrderResponse struct {
	RequestID string `json:"request_id"`
}

type MerchantOrder struct {
	MerchantOrderID string    `json:"merchant_order_id"`
	Merchant        string    `json:"merchant"`
	PlacedAt        time.Time `json:"placed_at"`
}

type Tracking struct {
	MerchantOrderID string    `json:"merchant_order_id"`
	Carrier         string    `json:"carrier"`
	TrackingNumber  string    `json:"tracking_number"`
	DeliveryStatus  string    `json:"delivery_status"`
	ObtainedAt      time.Time `json:"obtained_at"`
}

type StatusUpdate struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Date    time.Time      `json:"date"`
}

// OrderResponse is returned by GET /v1/orders/{request_id} and posted to the
// configured callbacks. Type is "order_response" on success and "error"
// otherwise; Code "request_processing" means the vendor is still working.
type OrderResponse struct {
	Type             string          `json:"_type"`
	RequestID        string          `json:"request_id"`
	Code             string          `json:"code,omitempty"`
	Message          string          `json:"message,omitempty"`
	MerchantOrderIDs []MerchantOrder `json:"merchant_order_ids,omitempty"`
	Tracking         []Tracking      `json:"tracking,omitempty"`
	StatusUpdates    []StatusUpdate  `json:"status_updates,omitempty"`
	Request          *struct {
		IdempotencyKey string            `json:"idempotency_key"`
		ClientNotes    map[string]string `json:"client_notes,omitempty"`
	} `json:"request,omitempty"`
}

const (
	TypeOrderResponse     = "order_response"
	TypeError             = "error"
	CodeProcessing        = "request_processing"
	CodeInsufficientFunds = "insufficient_zma_balance"
)

// ErrorClass groups vendor error codes by what the pipeline does next.
type ErrorClass int

const (
	ErrorNone ErrorClass = iota
	// ErrorPending means the vendor is still working on the request.
	ErrorPending
	// ErrorFunding means the managed account could not pay; the order waits
	// for a top-up.
	ErrorFunding
	// ErrorTransient means the vendor dropped the request on its side; the
	// order can be submitted again.
	ErrorTransient
	// ErrorPermanent means the vendor will not place this order.
	ErrorPermanent
)

var transientCodes = map[string]bool{
	"internal_error":             true,
	"zma_temporarily_overloaded": true,
}

// ClassifyCode maps a vendor error code onto an ErrorClass.
func ClassifyCode(code string) ErrorClass {
	switch {
	case code == "":
		return ErrorNone
	case code == CodeProcessing:
		return ErrorPending
	case code == CodeInsufficientFunds:
		return ErrorFunding
	case transientCodes[code]:
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}

// Class classifies the response; success responses are ErrorNone.
func (r *OrderResponse) Class() ErrorClass {
	if r.Type != TypeError {
		return ErrorNone
	}
	if r.Code == "" {
		return ErrorPermanent
	}
	return ClassifyCode(r.Code)
}

// IsProcessing reports whether the vendor has not finished placing the order.
func (r *OrderResponse) IsProcessing() bool {
	return r.Class() == ErrorPending
}

// IsFailure reports a vendor failure that will not go away by resubmitting.
func (r *OrderResponse) IsFailure() bool {
	return r.Class() == ErrorPermanent
}

// IsRequeue reports an error after which the order should be submitted again,
// once funded for ErrorFunding.
func (r *OrderResponse) IsRequeue() bool {
	class := r.Class()
	return class == ErrorFunding || class == ErrorTransient
}

// Balance is the prepaid managed-account balance.
type Balance struct {
	Amount   decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}
