package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"audit-service/internal/domain"

	"github.com/google/uuid"
)

type memoryProductRepository struct {
	mu       sync.Mutex
	products map[string]domain.Product
	now      func() time.Time
}

func NewMemoryProductRepository() *memoryProductRepository {
	return &memoryProductRepository{
		products: make(map[string]domain.Product),
		now:      time.Now,
	}
}

func (r *memoryProductRepository) ListProducts(ctx context.Context, tenantID *string, onlyActive bool, limit, offset int) ([]domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	products := []domain.Product{}
	for _, p := range r.products {
		if tenantID != nil && p.TenantID != *tenantID {
			continue
		}
		if onlyActive && !p.IsActive {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].CreatedAt.After(products[j].CreatedAt) })

	if offset >= len(products) {
		return []domain.Product{}, nil
	}
	end := offset + limit
	if end > len(products) {
		end = len(products)
	}
	return products[offset:end], nil
}

func (r *memoryProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return &p, nil
}

func (r *memoryProductRepository) GetByCode(ctx context.Context, tenantID, code string) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.products {
		if p.TenantID == tenantID && p.Code == code {
			found := p
			return &found, nil
		}
	}
	return nil, domain.ErrProductNotFound
}

func (r *memoryProductRepository) Create(ctx context.Context, tenantID string, req domain.CreateProductRequest) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.products {
		if p.TenantID == tenantID && p.Code == req.Code {
			return nil, domain.ErrProductCodeExists
		}
	}

	now := r.now().UTC()
	p := domain.Product{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Code:          req.Code,
		Name:          req.Name,
		Description:   req.Description,
		AssetClass:    req.AssetClass,
		RiskLevel:     req.RiskLevel,
		MinInvestment: req.MinInvestment,
		IsActive:      req.IsActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.products[p.ID] = p
	return &p, nil
}

func (r *memoryProductRepository) Update(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}

	changed := false
	if req.Name != nil {
		p.Name = *req.Name
		changed = true
	}
	if req.Description != nil {
		p.Description = *req.Description
		changed = true
	}
	if req.AssetClass != nil {
		p.AssetClass = *req.AssetClass
		changed = true
	}
	if req.RiskLevel != nil {
		p.RiskLevel = *req.RiskLevel
		changed = true
	}
	if req.MinInvestment != nil {
		p.MinInvestment = *req.MinInvestment
		changed = true
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
		changed = true
	}
	if changed {
		p.UpdatedAt = r.now().UTC()
	}

	r.products[id] = p
	return &p, nil
}

func (r *memoryProductRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[id]; !ok {
		return domain.ErrProductNotFound
	}
	delete(r.products, id)
	return nil
}
