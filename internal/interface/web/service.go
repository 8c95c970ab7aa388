package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ordvault/vaultd/internal/core/application"
	vaulterrors "github.com/ordvault/vaultd/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Service is the REST surface consumed by the dashboard UI.
type Service struct {
	appSvc application.Service
	server *http.Server
}

func NewService(appSvc application.Service, address string) *Service {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	svc := &Service{appSvc: appSvc}
	router.GET("/healthz", svc.health)

	v1 := router.Group("/v1")
	v1.POST("/vaults", svc.createVault)
	v1.POST("/vaults/:assetID/redeem", svc.redeemVault)
	v1.POST("/vaults/:assetID/resume", svc.resumeVault)
	v1.GET("/vaults/:assetID", svc.getVault)
	v1.GET("/vaults", svc.listVaults)

	svc.server = &http.Server{Addr: address, Handler: router}
	return svc
}

func (s *Service) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("web server exited")
		}
	}()
	log.Infof("web interface listening on %s", s.server.Addr)
	return nil
}

func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// nolint:all
	s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

type createVaultRequest struct {
	AssetID       string `json:"asset_id" binding:"required"`
	OwnerAddress  string `json:"owner_address" binding:"required"`
	AssetClass    string `json:"asset_class"`
	TotalShares   uint64 `json:"total_shares" binding:"required"`
	PricePerShare uint64 `json:"price_per_share" binding:"required"`
	MintedTo      string `json:"minted_to" binding:"required"`
}

func (s *Service) createVault(c *gin.Context) {
	var req createVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vault, err := s.appSvc.CreateVault(c.Request.Context(), application.CreateVaultRequest{
		AssetID:       req.AssetID,
		OwnerAddress:  req.OwnerAddress,
		AssetClass:    req.AssetClass,
		TotalShares:   req.TotalShares,
		PricePerShare: req.PricePerShare,
		MintedTo:      req.MintedTo,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"vault_id":        vault.VaultID,
		"custody_address": vault.CustodyAddress,
		"state":           vault.State,
	})
}

type redeemVaultRequest struct {
	SharesPresented uint64 `json:"shares_presented" binding:"required"`
	Requester       string `json:"requester" binding:"required"`
}

func (s *Service) redeemVault(c *gin.Context) {
	var req redeemVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.appSvc.RedeemVault(c.Request.Context(), application.RedeemVaultRequest{
		AssetID:         c.Param("assetID"),
		SharesPresented: req.SharesPresented,
		Requester:       req.Requester,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"release_tx_ref": result.ReleaseTxRef,
		"state":          result.State,
	})
}

func (s *Service) resumeVault(c *gin.Context) {
	vault, err := s.appSvc.ResumeVault(c.Request.Context(), c.Param("assetID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": vault.State})
}

func (s *Service) getVault(c *gin.Context) {
	vault, err := s.appSvc.GetVault(c.Request.Context(), c.Param("assetID"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vault)
}

func (s *Service) listVaults(c *gin.Context) {
	vaults, err := s.appSvc.ListVaults(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vaults": vaults})
}

func (s *Service) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// abortWithError maps the error taxonomy onto status codes, so callers can
// tell "fix your input" from "retry later" from "contact support".
func abortWithError(c *gin.Context, err error) {
	var typed vaulterrors.Error
	if errors.As(err, &typed) {
		typed.Log().Debug("request rejected")
		c.JSON(typed.HTTPStatus(), gin.H{
			"error":    typed.Error(),
			"code":     typed.CodeName(),
			"kind":     typed.Kind(),
			"metadata": typed.Metadata(),
		})
		return
	}

	log.WithError(err).Error("unexpected error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf(
			"%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Millisecond),
		)
	}
}
