package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/harun/memorygraph/pkg/memory"
	"github.com/harun/memorygraph/pkg/reply"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "event_clients": s.events.Count()})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.memory.ListEntities(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entities == nil {
		entities = []memory.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleAddFact(w http.ResponseWriter, r *http.Request) {
	var req addFactRequest
	if err := s.decode(r, "add fact", &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.memory.AddFact(r.Context(), memory.AddFactRequest{
		Who:    req.Who,
		About:  req.About,
		Text:   req.Text,
		Scene:  req.Scene,
		Type:   req.Type,
		Intent: req.Intent,
		Tags:   req.Tags,
		Weight: req.Weight,
		Pinned: req.Pinned,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addFactResponse{FactID: id})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := memory.RetrieveRequest{
		NPCID:          q.Get("npc_id"),
		PlayerID:       q.Get("player_id"),
		Scene:          q.Get("scene"),
		Intent:         q.Get("intent"),
		ConversationID: q.Get("conversation_id"),
		Query:          q.Get("query"),
	}
	if raw := q.Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 1 {
			s.writeError(w, r, memory.ValidationError("retrieve", "k must be a positive integer"))
			return
		}
		req.K = k
	}

	ranked, err := s.memory.Retrieve(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]scoredFactResponse, 0, len(ranked))
	for _, sf := range ranked {
		tags := sf.Fact.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, scoredFactResponse{
			FactID:    sf.Fact.ID,
			Text:      sf.Fact.Text,
			Tags:      tags,
			Weight:    sf.Fact.Weight,
			Pinned:    sf.Fact.Pinned,
			Scene:     sf.Fact.Scene,
			Intent:    sf.Fact.Intent,
			Score:     sf.Score,
			Breakdown: sf.Breakdown,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetPinned(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := s.decode(r, "set pinned", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.memory.SetPinned(r.Context(), req.FactID, req.Pinned); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pinResponse{OK: true, FactID: req.FactID})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := s.decode(r, "feedback", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.memory.Feedback(r.Context(), req.FactID, req.Reward)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackResponse{OK: true, FeedbackResult: res, Weight: res.NewWeight})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := s.decode(r, "start conversation", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.memory.StartConversation(r.Context(), req.NPCID, req.PlayerID, req.Scene)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startConversationResponse{ConversationID: conv.ID})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.writeError(w, r, memory.ValidationError("get conversation", "id is required"))
		return
	}
	conv, err := s.memory.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleAttachFacts(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := s.decode(r, "attach facts", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, err := s.memory.AttachFacts(r.Context(), req.ConversationID, req.FactIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attachResponse{OK: true, Tags: conv.Tags})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.memory.Export(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="memorygraph-export.json"`)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var snap memory.Snapshot
	if err := s.decode(r, "import", &snap); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.memory.Import(r.Context(), &snap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{OK: true, ImportResult: res})
}

func (s *Server) handleTemplatedReply(w http.ResponseWriter, r *http.Request) {
	var req reply.Request
	if err := s.decode(r, "reply", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.replier.Templated(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGroundedReply(w http.ResponseWriter, r *http.Request) {
	var req reply.Request
	if err := s.decode(r, "reply", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.replier.Grounded(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
