package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pricepulse/internal/domain"
	apperrors "github.com/pscheid92/pricepulse/internal/errors"
)

type statusResponse struct {
	OK              bool   `json:"ok"`
	SSEActive       bool   `json:"sseActive"`
	ConnectionCount int    `json:"connectionCount"`
	Environment     string `json:"environment"`
}

func (s *Server) registerAPIRoutes() {
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/message/:name", s.handleMessage)
	if s.latest != nil {
		s.echo.GET("/stocks/latest", s.handleLatest)
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	response := statusResponse{
		OK:              true,
		SSEActive:       s.registry.IsActive(),
		ConnectionCount: s.registry.ConnectionCount(),
		Environment:     s.config.AppEnv,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(c echo.Context) error {
	response := map[string]string{"message": "hello " + c.Param("name")}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write message response: %w", err)
	}
	return nil
}

func (s *Server) handleLatest(c echo.Context) error {
	sample, err := s.latest.Latest(c.Request().Context())
	if errors.Is(err, domain.ErrNoSample) {
		return err
	}
	if err != nil {
		return apperrors.ExternalError("Latest sample unavailable", err)
	}
	if err := c.JSON(http.StatusOK, sample); err != nil {
		return fmt.Errorf("failed to write latest response: %w", err)
	}
	return nil
}
