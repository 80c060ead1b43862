package service

import (
	"context"
	"errors"

	"audit-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type ProductRepository interface {
	ListProducts(ctx context.Context, tenantID *string, onlyActive bool, limit, offset int) ([]domain.Product, error)
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	GetByCode(ctx context.Context, tenantID, code string) (*domain.Product, error)
	Create(ctx context.Context, tenantID string, req domain.CreateProductRequest) (*domain.Product, error)
	Update(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error)
	Delete(ctx context.Context, id string) error
}

// MutationObserver receives product mutations after they are stored.
type MutationObserver interface {
	OnCreate(ctx context.Context, entity domain.Auditable)
	OnUpdate(ctx context.Context, before, after domain.Auditable)
	OnDelete(ctx context.Context, entity domain.Auditable)
}

type productService struct {
	productRepo ProductRepository
	observer    MutationObserver
}

func NewProductService(productRepo ProductRepository, observer MutationObserver) *productService {
	return &productService{
		productRepo: productRepo,
		observer:    observer,
	}
}

// tenantScope returns the tenant the caller is bound to, or nil for platform callers.
func tenantScope(ctx context.Context) (*string, error) {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return nil, domain.ErrForbidden
	}
	if actor.IsPlatform() {
		return nil, nil
	}
	if actor.TenantID == "" {
		return nil, domain.ErrForbidden
	}
	tenant := actor.TenantID
	return &tenant, nil
}

func (s *productService) ListProducts(ctx context.Context, tenantID *string, onlyActive bool, limit, offset int) ([]domain.Product, error) {
	scope, err := tenantScope(ctx)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		if tenantID != nil && *tenantID != *scope {
			return nil, domain.ErrForbidden
		}
		tenantID = scope
	}

	limit = domain.ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	products, err := s.productRepo.ListProducts(ctx, tenantID, onlyActive, limit, offset)
	if err != nil {
		log.WithError(err).Error("Failed to list products")
		return nil, err
	}
	return products, nil
}

func (s *productService) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrInvalidUUID
	}
	scope, err := tenantScope(ctx)
	if err != nil {
		return nil, err
	}

	product, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if scope != nil && product.TenantID != *scope {
		return nil, domain.ErrProductNotFound
	}
	return product, nil
}

func (s *productService) CreateProduct(ctx context.Context, tenantID string, req domain.CreateProductRequest) (*domain.Product, error) {
	scope, err := tenantScope(ctx)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		if tenantID != "" && tenantID != *scope {
			return nil, domain.ErrForbidden
		}
		tenantID = *scope
	}
	if tenantID == "" {
		return nil, domain.ErrInvalidUUID
	}

	if err := domain.ValidateProductCode(req.Code); err != nil {
		return nil, err
	}
	if err := domain.ValidateProductName(req.Name); err != nil {
		return nil, err
	}
	if err := domain.ValidateAssetClass(req.AssetClass); err != nil {
		return nil, err
	}
	if err := domain.ValidateRiskLevel(req.RiskLevel); err != nil {
		return nil, err
	}
	if err := domain.ValidateMinInvestment(req.MinInvestment); err != nil {
		return nil, err
	}

	existing, err := s.productRepo.GetByCode(ctx, tenantID, req.Code)
	if err != nil && !errors.Is(err, domain.ErrProductNotFound) {
		log.WithError(err).WithField("code", req.Code).Error("Failed to check product existence")
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrProductCodeExists
	}

	product, err := s.productRepo.Create(ctx, tenantID, req)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"tenant_id": tenantID,
			"code":      req.Code,
		}).Error("Failed to create product")
		return nil, err
	}

	s.observer.OnCreate(ctx, product)
	return product, nil
}

func (s *productService) UpdateProduct(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error) {
	before, err := s.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := domain.ValidateProductName(*req.Name); err != nil {
			return nil, err
		}
	}
	if req.AssetClass != nil {
		if err := domain.ValidateAssetClass(*req.AssetClass); err != nil {
			return nil, err
		}
	}
	if req.RiskLevel != nil {
		if err := domain.ValidateRiskLevel(*req.RiskLevel); err != nil {
			return nil, err
		}
	}
	if req.MinInvestment != nil {
		if err := domain.ValidateMinInvestment(*req.MinInvestment); err != nil {
			return nil, err
		}
	}

	product, err := s.productRepo.Update(ctx, id, req)
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to update product")
		return nil, err
	}

	s.observer.OnUpdate(ctx, before, product)
	return product, nil
}

func (s *productService) DeleteProduct(ctx context.Context, id string) error {
	product, err := s.GetProductByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.productRepo.Delete(ctx, id); err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to delete product")
		return err
	}

	s.observer.OnDelete(ctx, product)
	return nil
}
