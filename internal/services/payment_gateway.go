package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChargeRequest is one card-on-file charge. Reference must be unique per
// attempt so the gateway can de-duplicate retries.
type ChargeRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Token         string
	Reference     string
	Description   string
	CustomerEmail string
}

// ChargeResult is the gateway's answer. A decline is a result with
// Success=false, not an error; errors mean the gateway could not be reached.
type ChargeResult struct {
	Success       bool
	TransactionID string
	Message       string
}

// PaymentGateway charges a stored payment token.
type PaymentGateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// TransactionDetails returns the gateway-side ledger id for a settled
	// transaction.
	TransactionDetails(ctx context.Context, transactionID string) (string, error)
}

// midtransCoreAPI is the part of coreapi.Client the gateway uses.
type midtransCoreAPI interface {
	ChargeTransaction(req *coreapi.ChargeReq) (*coreapi.ChargeResponse, *midtrans.Error)
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

type midtransGateway struct {
	api    midtransCoreAPI
	logger *zap.Logger
}

// NewMidtransGateway creates a gateway on the Midtrans core API, sandbox
// unless production is set.
func NewMidtransGateway(serverKey string, production bool, logger *zap.Logger) PaymentGateway {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var client coreapi.Client
	client.New(serverKey, env)
	return &midtransGateway{api: &client, logger: logger}
}

func (g *midtransGateway) Name() string {
	return "midtrans"
}

func (g *midtransGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The core API settles in whole rupiah only.
	if !strings.EqualFold(req.Currency, midtransCurrency) {
		return &ChargeResult{Message: fmt.Sprintf("currency %s is not supported by midtrans", req.Currency)}, nil
	}

	gross := req.Amount.Round(0).IntPart()
	chargeReq := &coreapi.ChargeReq{
		PaymentType: coreapi.PaymentTypeCreditCard,
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: gross,
		},
		CreditCard: &coreapi.CreditCardDetails{
			TokenID: req.Token,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.Reference,
				Name:  truncate(req.Description, 50),
				Price: gross,
				Qty:   1,
			},
		},
	}
	if req.CustomerEmail != "" {
		chargeReq.CustomerDetails = &midtrans.CustomerDetails{Email: req.CustomerEmail}
	}

	resp, midErr := g.api.ChargeTransaction(chargeReq)
	if midErr != nil {
		if isDuplicateOrder(midErr) {
			return g.reconcile(req.Reference)
		}
		// 4xx answers are gateway decisions about this charge; anything
		// else means we could not get an answer.
		if code := midErr.GetStatusCode(); code >= 400 && code < 500 {
			return &ChargeResult{Message: midErr.GetMessage()}, nil
		}
		g.logger.Warn("midtrans charge failed", zap.String("reference", req.Reference), zap.Error(midErr))
		return nil, &models.GatewayError{Provider: g.Name(), Err: midErr}
	}
	return chargeOutcome(resp.TransactionID, resp.TransactionStatus, resp.FraudStatus, resp.StatusMessage), nil
}

// reconcile answers a replayed order id with the outcome of the original
// charge. A reference is reused only when an earlier attempt never got
// recorded, so a captured original must settle this period instead of
// being charged again under a new reference.
func (g *midtransGateway) reconcile(reference string) (*ChargeResult, error) {
	status, midErr := g.api.CheckTransaction(reference)
	if midErr != nil {
		g.logger.Warn("midtrans status lookup failed", zap.String("reference", reference), zap.Error(midErr))
		return nil, &models.GatewayError{Provider: g.Name(), Err: midErr}
	}
	g.logger.Info("reconciled replayed charge",
		zap.String("reference", reference),
		zap.String("transaction_id", status.TransactionID),
		zap.String("transaction_status", status.TransactionStatus))
	return chargeOutcome(status.TransactionID, status.TransactionStatus, status.FraudStatus, status.StatusMessage), nil
}

func chargeOutcome(transactionID, transactionStatus, fraudStatus, message string) *ChargeResult {
	result := &ChargeResult{TransactionID: transactionID, Message: message}
	switch transactionStatus {
	case "capture", "settlement":
		result.Success = fraudStatus != "deny" && fraudStatus != "challenge"
		if !result.Success {
			result.Message = "charge flagged by fraud screening"
		}
	default:
		if result.Message == "" {
			result.Message = fmt.Sprintf("charge %s", transactionStatus)
		}
	}
	return result
}

// isDuplicateOrder reports whether midtrans refused the charge because the
// order id was already used.
func isDuplicateOrder(midErr *midtrans.Error) bool {
	if midErr.GetStatusCode() == 406 {
		return true
	}
	msg := strings.ToLower(midErr.GetMessage())
	return strings.Contains(msg, "already been utilized") || strings.Contains(msg, "already utilized")
}

func (g *midtransGateway) TransactionDetails(ctx context.Context, transactionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, midErr := g.api.CheckTransaction(transactionID)
	if midErr != nil {
		return "", &models.GatewayError{Provider: g.Name(), Err: midErr}
	}
	if resp.ApprovalCode != "" {
		return resp.ApprovalCode, nil
	}
	return resp.TransactionID, nil
}

// sandboxGateway approves every charge except tokens starting with
// "tok_decline" (declined) or "tok_unreachable" (transport error). It is
// meant for local development.
type sandboxGateway struct {
	logger *zap.Logger
}

// NewSandboxGateway creates the local development gateway.
func NewSandboxGateway(logger *zap.Logger) PaymentGateway {
	return &sandboxGateway{logger: logger}
}

func (g *sandboxGateway) Name() string {
	return "sandbox"
}

func (g *sandboxGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(req.Token, "tok_unreachable"):
		return nil, &models.GatewayError{Provider: g.Name(), Err: fmt.Errorf("connection refused")}
	case strings.HasPrefix(req.Token, "tok_decline"):
		return &ChargeResult{Message: "card declined"}, nil
	}
	g.logger.Debug("sandbox charge approved",
		zap.String("reference", req.Reference),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("currency", req.Currency))
	return &ChargeResult{Success: true, TransactionID: "sbx_" + uuid.NewString(), Message: "approved"}, nil
}

func (g *sandboxGateway) TransactionDetails(ctx context.Context, transactionID string) (string, error) {
	return "ledger_" + strings.TrimPrefix(transactionID, "sbx_"), nil
}

const midtransCurrency = "IDR"

// SupportedCurrencies lists the currencies provider can settle. Nil means
// the provider accepts any currency.
func SupportedCurrencies(provider string) []string {
	if strings.EqualFold(provider, "midtrans") {
		return []string{midtransCurrency}
	}
	return nil
}

// NewPaymentGateway picks the gateway named by provider.
func NewPaymentGateway(provider, serverKey string, production bool, logger *zap.Logger) (PaymentGateway, error) {
	switch strings.ToLower(provider) {
	case "midtrans":
		if serverKey == "" {
			return nil, fmt.Errorf("midtrans server key is required")
		}
		return NewMidtransGateway(serverKey, production, logger), nil
	case "sandbox", "":
		return NewSandboxGateway(logger), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", provider)
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
