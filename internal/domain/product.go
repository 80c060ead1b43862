package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	maxProductNameLength = 200
	maxProductCodeLength = 50
	maxMinInvestment     = 1_000_000_000_00
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrProductCodeExists  = errors.New("product code already exists")
	ErrInvalidProductCode = errors.New("invalid product code")
	ErrInvalidProductName = errors.New("invalid product name")
	ErrInvalidAssetClass  = errors.New("invalid asset class")
	ErrInvalidRiskLevel   = errors.New("invalid risk level")
	ErrInvalidInvestment  = errors.New("invalid minimum investment")
)

const ProductResourceType = "products"

var assetClasses = map[string]struct{}{
	"equity":       {},
	"fixed_income": {},
	"fund":         {},
	"alternative":  {},
	"cash":         {},
	"structured":   {},
}

// Product is an investment product offered by a tenant.
type Product struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	AssetClass    string    `json:"asset_class"`
	RiskLevel     int       `json:"risk_level"`
	MinInvestment int64     `json:"min_investment"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Product) AuditResourceType() string { return ProductResourceType }
func (p *Product) AuditResourceID() string   { return p.ID }
func (p *Product) AuditTenantID() string     { return p.TenantID }

func (p *Product) AuditState() map[string]any {
	return map[string]any{
		"id":             p.ID,
		"tenant_id":      p.TenantID,
		"code":           p.Code,
		"name":           p.Name,
		"description":    p.Description,
		"asset_class":    p.AssetClass,
		"risk_level":     p.RiskLevel,
		"min_investment": p.MinInvestment,
		"is_active":      p.IsActive,
	}
}

type CreateProductRequest struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	AssetClass    string `json:"asset_class"`
	RiskLevel     int    `json:"risk_level"`
	MinInvestment int64  `json:"min_investment"`
	IsActive      bool   `json:"is_active"`
}

type UpdateProductRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	AssetClass    *string `json:"asset_class,omitempty"`
	RiskLevel     *int    `json:"risk_level,omitempty"`
	MinInvestment *int64  `json:"min_investment,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func ValidateProductCode(code string) error {
	if code == "" || len(code) > maxProductCodeLength {
		return ErrInvalidProductCode
	}
	if strings.ContainsAny(code, " ") {
		return ErrInvalidProductCode
	}
	return nil
}

func ValidateProductName(name string) error {
	if name == "" || len(name) > maxProductNameLength {
		return ErrInvalidProductName
	}
	return nil
}

func ValidateAssetClass(class string) error {
	if _, ok := assetClasses[class]; !ok {
		return ErrInvalidAssetClass
	}
	return nil
}

// ValidateRiskLevel accepts the 1 (lowest) to 5 (highest) suitability scale.
func ValidateRiskLevel(level int) error {
	if level < 1 || level > 5 {
		return ErrInvalidRiskLevel
	}
	return nil
}

func ValidateMinInvestment(amount int64) error {
	if amount < 0 || amount > maxMinInvestment {
		return ErrInvalidInvestment
	}
	return nil
}
