package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/presenter/http/render"
)

type ctxKey int

const (
	settlementCtxKey ctxKey = iota
	chainIDCtxKey
)

type SettlementLoader interface {
	GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error)
}

// GetSettlementMiddleware loads the command of the {settlementID} URL parameter into the request context.
func GetSettlementMiddleware(loader SettlementLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cmd, err := loader.GetBySettlementID(r.Context(), chi.URLParam(r, "settlementID"))
			if err != nil {
				render.Error(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), settlementCtxKey, cmd)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func Settlement(ctx context.Context) *entity.SettlementCommand {
	if cmd, ok := ctx.Value(settlementCtxKey).(*entity.SettlementCommand); ok {
		return cmd
	}
	return new(entity.SettlementCommand)
}

// GetChainFilterMiddleware stores the optional chainId query parameter.
func GetChainFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chainID := r.URL.Query().Get("chainId")
		if chainID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), chainIDCtxKey, chainID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ChainFilter(ctx context.Context) *string {
	if chainID, ok := ctx.Value(chainIDCtxKey).(string); ok {
		return &chainID
	}
	return nil
}
