// Package httpapi is the HTTP observer surface (spec.md §6): apart from
// POST /tx/skip/{id}, which marks a tx row processing=0 with
// error="forced", it only renders store rows and the ServiceLoop's
// SharedState as JSON, following the teacher's
// log.New("module", "x") + plain net/http handler convention.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/config"
	"github.com/scx1332/erc20payment-go/engine/service"
	"github.com/scx1332/erc20payment-go/store"
)

var logger = gethlog.New("module", "httpapi")

const faucetRateLimit = 120 * time.Second

// Server wires store.Store, the chain registry, the loaded config and the
// ServiceLoop's SharedState into an httprouter.Router. It holds no engine
// write path — every handler is a read, except /faucet and /tx/skip/{id},
// the two operator actions spec.md §6 explicitly carves out.
type Server struct {
	store    store.Store
	chains   *chain.Registry
	cfg      *config.Config
	loop     *service.Loop
	accounts []common.Address

	faucetMu   sync.Mutex
	faucetSeen map[faucetKey]time.Time
}

type faucetKey struct {
	chainID uint64
	addr    string
}

// New builds the router's backing Server. accounts is the set of
// configured payer addresses (derived from ETH_PRIVATE_KEYS at startup)
// exposed by /accounts and /account/{addr}.
func New(s store.Store, chains *chain.Registry, cfg *config.Config, loop *service.Loop, accounts []common.Address) *Server {
	return &Server{
		store:      s,
		chains:     chains,
		cfg:        cfg,
		loop:       loop,
		accounts:   accounts,
		faucetSeen: make(map[faucetKey]time.Time),
	}
}

// Router builds the httprouter.Router exposing every route in spec.md §6.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()

	r.GET("/allowances", s.handleAllowances)
	r.GET("/config", s.handleConfig)

	r.GET("/transactions", s.handleTransactionsAll)
	r.GET("/transactions/count", s.handleTransactionsCount)
	r.GET("/transactions/next", s.handleTransactionsNext)
	r.GET("/transactions/next/:n", s.handleTransactionsNext)
	r.GET("/transactions/current", s.handleTransactionsCurrent)
	r.GET("/transactions/last", s.handleTransactionsLast)
	r.GET("/transactions/last/:n", s.handleTransactionsLast)
	r.GET("/transactions/feed/:page/:size", s.handleTransactionsFeed)

	r.GET("/tx/:id", s.handleTxByID)
	r.POST("/tx/skip/:id", s.handleTxSkip)

	r.GET("/transfers", s.handleTransfers)
	r.GET("/transfers/:tx_id", s.handleTransfers)

	r.GET("/accounts", s.handleAccounts)
	r.GET("/account/:addr", s.handleAccount)

	r.GET("/debug", s.handleDebug)

	r.GET("/faucet/:chain/:addr", s.handleFaucet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseUintParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleAllowances(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rows, err := s.store.ListAllowances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleTransactionsAll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	const window = 1000
	rows, err := s.store.FeedTransactions(r.Context(), 0, window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTransactionsCount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.store.CountTransactions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleTransactionsNext(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	n := parseUintParam(p.ByName("n"), 20)
	rows, err := s.store.ListTransactionsNext(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTransactionsCurrent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rows, err := s.store.ListTransactionsCurrent(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTransactionsLast(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	n := parseUintParam(p.ByName("n"), 20)
	rows, err := s.store.ListTransactionsLast(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTransactionsFeed(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	page := parseUintParam(p.ByName("page"), 0)
	size := parseUintParam(p.ByName("size"), 20)
	rows, err := s.store.FeedTransactions(r.Context(), page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTxByID(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := strconv.ParseUint(p.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad tx id")
		return
	}
	tx, err := s.store.GetTx(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "tx not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTxSkip(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	id, err := strconv.ParseUint(p.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad tx id")
		return
	}
	if err := s.store.SkipTx(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var txID *uint64
	if raw := p.ByName("tx_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad tx id")
			return
		}
		txID = &id
	}
	rows, err := s.store.ListTransfers(r.Context(), txID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// accountView is one payer address's cross-chain balance snapshot.
type accountView struct {
	Address  string            `json:"address"`
	Balances map[uint64]string `json:"balances"` // chain_id -> wei, decimal string
}

func (s *Server) balancesFor(ctx context.Context, addr common.Address) map[uint64]string {
	out := make(map[uint64]string)
	for _, chainID := range s.chains.ChainIDs() {
		client, err := s.chains.Client(chainID)
		if err != nil {
			continue
		}
		bal, err := client.BalanceAt(ctx, addr)
		if err != nil {
			logger.Warn("balance lookup failed", "chain_id", chainID, "addr", addr, "err", err)
			continue
		}
		out[chainID] = bal.String()
	}
	return out
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	views := make([]accountView, 0, len(s.accounts))
	for _, addr := range s.accounts {
		views = append(views, accountView{Address: addr.Hex(), Balances: s.balancesFor(r.Context(), addr)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	addr := common.HexToAddress(p.ByName("addr"))
	transfers, err := s.store.ChainTransfersForAddr(r.Context(), addr.Hex())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":            addr.Hex(),
		"balances":           s.balancesFor(r.Context(), addr),
		"reconciled_inbound": transfers,
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	inserted, idling, txInfo := s.loop.State().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"inserted":  inserted,
		"idling":    idling,
		"in_flight": txInfo,
	})
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	chainIDStr := p.ByName("chain")
	chainID, err := strconv.ParseUint(chainIDStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad chain id")
		return
	}
	chainCfg, ok := s.cfg.ChainByID(chainID)
	if !ok {
		writeError(w, http.StatusNotFound, "chain not configured")
		return
	}
	addr := common.HexToAddress(p.ByName("addr"))
	key := faucetKey{chainID: chainID, addr: addr.Hex()}

	s.faucetMu.Lock()
	if last, ok := s.faucetSeen[key]; ok && time.Since(last) < faucetRateLimit {
		s.faucetMu.Unlock()
		writeError(w, http.StatusTooManyRequests, "rate limited, try again later")
		return
	}
	s.faucetSeen[key] = time.Now()
	s.faucetMu.Unlock()

	logger.Info("faucet request", "chain_id", chainID, "addr", addr,
		"eth_amount", chainCfg.FaucetEthAmount, "glm_amount", chainCfg.FaucetGlmAmount)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "queued",
		"chain_id":   fmt.Sprintf("%d", chainID),
		"addr":       addr.Hex(),
		"eth_amount": chainCfg.FaucetEthAmount,
		"glm_amount": chainCfg.FaucetGlmAmount,
	})
}
