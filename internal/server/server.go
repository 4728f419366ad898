// Пакет server — HTTP-сервер Reach Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/reach-module/internal/config"
)

// Routes — регистрация маршрутов API в роутере.
type Routes interface {
	Register(r chi.Router)
}

// Server — HTTP-сервер Reach Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config

	// Отменяет контекст запросов при shutdown: SSE-потоки закрываются сразу
	cancelBase context.CancelFunc
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// middlewares добавляются в порядке переданного среза.
func New(cfg *config.Config, logger *slog.Logger, routes Routes, middlewares ...func(http.Handler) http.Handler) *Server {
	router := chi.NewRouter()

	for _, mw := range middlewares {
		router.Use(mw)
	}
	routes.Register(router)

	baseCtx, cancelBase := context.WithCancel(context.Background())

	// WriteTimeout по умолчанию 0: SSE-соединения долгоживущие
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
		cancelBase: cancelBase,
	}
}

// Handler возвращает корневой обработчик сервера.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и блокируется до отмены ctx (сигнал завершения)
// или ошибки сервера. При отмене выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	s.cancelBase()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
