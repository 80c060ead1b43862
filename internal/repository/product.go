package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"audit-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const productColumns = `id, tenant_id, code, name, description, asset_class, risk_level, min_investment, is_active, created_at, updated_at`

type postgresProductRepository struct {
	db *sql.DB
}

func NewPostgresProductRepository(db *sql.DB) *postgresProductRepository {
	return &postgresProductRepository{db: db}
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var product domain.Product
	var description sql.NullString
	err := row.Scan(
		&product.ID,
		&product.TenantID,
		&product.Code,
		&product.Name,
		&description,
		&product.AssetClass,
		&product.RiskLevel,
		&product.MinInvestment,
		&product.IsActive,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		product.Description = description.String
	}
	return &product, nil
}

func (r *postgresProductRepository) ListProducts(ctx context.Context, tenantID *string, onlyActive bool, limit, offset int) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var query strings.Builder
	args := []interface{}{}
	argPos := 1

	query.WriteString(`SELECT ` + productColumns + ` FROM products WHERE 1=1`)

	if tenantID != nil {
		query.WriteString(fmt.Sprintf(" AND tenant_id = $%d", argPos))
		args = append(args, *tenantID)
		argPos++
	}

	if onlyActive {
		query.WriteString(fmt.Sprintf(" AND is_active = $%d", argPos))
		args = append(args, true)
		argPos++
	}

	query.WriteString(" ORDER BY created_at DESC")
	query.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1))
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			log.WithError(err).Error("Failed to scan product row")
			return nil, err
		}
		products = append(products, *product)
	}

	return products, rows.Err()
}

func (r *postgresProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	product, err := scanProduct(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to get product by ID")
		return nil, err
	}
	return product, nil
}

func (r *postgresProductRepository) GetByCode(ctx context.Context, tenantID, code string) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + productColumns + ` FROM products WHERE tenant_id = $1 AND code = $2`
	product, err := scanProduct(r.db.QueryRowContext(ctx, query, tenantID, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"tenant_id": tenantID,
			"code":      code,
		}).Error("Failed to get product by code")
		return nil, err
	}
	return product, nil
}

func (r *postgresProductRepository) Create(ctx context.Context, tenantID string, req domain.CreateProductRequest) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	log.WithFields(log.Fields{
		"tenant_id": tenantID,
		"code":      req.Code,
		"name":      req.Name,
	}).Info("Creating new product")

	query := `INSERT INTO products (tenant_id, code, name, description, asset_class, risk_level, min_investment, is_active)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING ` + productColumns

	product, err := scanProduct(r.db.QueryRowContext(ctx, query,
		tenantID,
		req.Code,
		req.Name,
		domain.NullableString(req.Description),
		req.AssetClass,
		req.RiskLevel,
		req.MinInvestment,
		req.IsActive,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, domain.ErrProductCodeExists
		}
		log.WithError(err).WithFields(log.Fields{
			"tenant_id": tenantID,
			"code":      req.Code,
		}).Error("Failed to create product")
		return nil, err
	}

	return product, nil
}

func (r *postgresProductRepository) Update(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	setParts := []string{}
	args := []interface{}{}
	argPos := 1

	set := func(column string, value interface{}) {
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}

	if req.Name != nil {
		set("name", *req.Name)
	}
	if req.Description != nil {
		set("description", domain.NullableString(*req.Description))
	}
	if req.AssetClass != nil {
		set("asset_class", *req.AssetClass)
	}
	if req.RiskLevel != nil {
		set("risk_level", *req.RiskLevel)
	}
	if req.MinInvestment != nil {
		set("min_investment", *req.MinInvestment)
	}
	if req.IsActive != nil {
		set("is_active", *req.IsActive)
	}

	if len(setParts) == 0 {
		return r.GetByID(ctx, id)
	}

	setParts = append(setParts, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE products
	                      SET %s
	                      WHERE id = $%d
	                      RETURNING %s`,
		strings.Join(setParts, ", "), argPos, productColumns)

	product, err := scanProduct(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to update product")
		return nil, err
	}
	return product, nil
}

func (r *postgresProductRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	log.WithField("product_id", id).Info("Deleting product")

	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to delete product")
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}
