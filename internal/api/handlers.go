package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.GetStatus())
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ActiveMarkets())
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	history, todayEstimate := s.eng.RewardHistory()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"today_estimate_usd": todayEstimate,
		"history":            history,
	})
}

// marketRequest is the body for pause/resume/redeem.
type marketRequest struct {
	Market string `json:"market"` // condition ID, or index for pause
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMarketRequest(w, r)
	if !ok {
		return
	}
	if err := s.eng.PauseMarket(req.Market); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paused": req.Market})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMarketRequest(w, r)
	if !ok {
		return
	}
	if err := s.eng.ResumeMarket(req.Market); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resumed": req.Market})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	s.eng.Rescan()
	writeJSON(w, http.StatusAccepted, map[string]string{"rescan": "scheduled"})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMarketRequest(w, r)
	if !ok {
		return
	}
	txHash, err := s.eng.RedeemCondition(r.Context(), req.Market)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tx": txHash})
}

func (s *Server) handleSellAll(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.SellAll(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sell_all": "done"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	go s.eng.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"stop": "initiated"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	go s.eng.EmergencyKill("operator request")
	writeJSON(w, http.StatusAccepted, map[string]string{"kill": "initiated"})
}

func decodeMarketRequest(w http.ResponseWriter, r *http.Request) (marketRequest, bool) {
	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Market == "" {
		http.Error(w, `{"error":"body must be {\"market\":\"...\"}"}`, http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
