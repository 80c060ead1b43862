package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"audit-service/internal/domain"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

type ProductService interface {
	ListProducts(ctx context.Context, tenantID *string, onlyActive bool, limit, offset int) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, tenantID string, req domain.CreateProductRequest) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
}

type productServer struct {
	productService ProductService
}

func NewProductServer(productService ProductService) *productServer {
	return &productServer{
		productService: productService,
	}
}

func handleProductError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, domain.ErrProductCodeExists):
		return http.StatusConflict, "product with this code already exists"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidProductCode),
		errors.Is(err, domain.ErrInvalidProductName),
		errors.Is(err, domain.ErrInvalidAssetClass),
		errors.Is(err, domain.ErrInvalidRiskLevel),
		errors.Is(err, domain.ErrInvalidInvestment),
		errors.Is(err, domain.ErrInvalidUUID):
		return http.StatusBadRequest, "invalid request"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *productServer) ListProducts(c echo.Context) error {
	onlyActive := c.QueryParam("only_active") == "true"

	limit := domain.DefaultListLimit
	offset := 0

	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if offsetStr := c.QueryParam("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	products, err := s.productService.ListProducts(c.Request().Context(), domain.NullableString(c.QueryParam("tenant_id")), onlyActive, limit, offset)
	if err != nil {
		log.WithError(err).Error("Failed to list products")
		statusCode, errorMsg := handleProductError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, products)
}

func (s *productServer) GetProductByID(c echo.Context) error {
	id := c.Param("id")

	product, err := s.productService.GetProductByID(c.Request().Context(), id)
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to get product")
		statusCode, errorMsg := handleProductError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, product)
}

type createProductBody struct {
	TenantID string `json:"tenant_id"`
	domain.CreateProductRequest
}

func (s *productServer) CreateProduct(c echo.Context) error {
	var body createProductBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request",
		})
	}

	tenantID := body.TenantID
	if tenantID == "" {
		tenantID = c.QueryParam("tenant_id")
	}

	product, err := s.productService.CreateProduct(c.Request().Context(), tenantID, body.CreateProductRequest)
	if err != nil {
		log.WithError(err).WithField("code", body.Code).Error("Failed to create product")
		statusCode, errorMsg := handleProductError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusCreated, product)
}

func (s *productServer) UpdateProduct(c echo.Context) error {
	id := c.Param("id")

	var req domain.UpdateProductRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request",
		})
	}

	product, err := s.productService.UpdateProduct(c.Request().Context(), id, req)
	if err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to update product")
		statusCode, errorMsg := handleProductError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.JSON(http.StatusOK, product)
}

func (s *productServer) DeleteProduct(c echo.Context) error {
	id := c.Param("id")

	if err := s.productService.DeleteProduct(c.Request().Context(), id); err != nil {
		log.WithError(err).WithField("product_id", id).Error("Failed to delete product")
		statusCode, errorMsg := handleProductError(err)
		return c.JSON(statusCode, map[string]string{
			"error": errorMsg,
		})
	}

	return c.NoContent(http.StatusNoContent)
}
