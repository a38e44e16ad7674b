package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/internal/store"
)

// startIvrNavigation walks the call's IVR menu path in the background when
// the call context references one.
func (h *Handler) startIvrNavigation(ctx context.Context, call *store.Call, callControlID string) {
	cc, err := h.db.GetCallContext(ctx, call.ID)
	if err != nil {
		slog.Warn("context lookup for ivr failed", "call_id", call.ID, "error", err)
		return
	}
	if cc == nil || cc.IvrPathID == nil {
		return
	}
	path, err := h.db.GetIvrPath(ctx, *cc.IvrPathID)
	if err != nil {
		slog.Warn("ivr path lookup failed", "call_id", call.ID, "ivr_path_id", *cc.IvrPathID, "error", err)
		return
	}
	if path == nil || len(path.MenuPath) == 0 {
		return
	}
	go h.walkIvrPath(call.ID, callControlID, path, cc.GatheredInfo)
}

// walkIvrPath sends DTMF for each menu step, pausing before every step so
// the menu prompt can finish. Steps whose action names a missing
// gathered_info key are skipped.
func (h *Handler) walkIvrPath(callID, callControlID string, path *store.IvrPath, info map[string]string) {
	budget := time.Duration(len(path.MenuPath)+1) * (h.cfg.IvrStepDelay + 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, step := range path.MenuPath {
		select {
		case <-time.After(h.cfg.IvrStepDelay):
		case <-ctx.Done():
			return
		}

		digits := step.Action
		if !isLiteralDigits(digits) {
			v, ok := info[step.Action]
			if !ok || v == "" {
				h.recordEvent(ctx, callID, "ivr_step_skipped", "no gathered value for menu step",
					map[string]any{"step": step.Step, "key": step.Action})
				continue
			}
			digits = v
		}

		if err := h.carrier.SendDTMF(ctx, callControlID, digits); err != nil {
			slog.Error("ivr dtmf failed", "call_id", callID, "step", step.Step, "error", err)
			h.recordEvent(ctx, callID, "ivr_step_failed", err.Error(), map[string]any{"step": step.Step})
			return
		}
		h.recordEvent(ctx, callID, "ivr_step_sent", step.Prompt, map[string]any{"step": step.Step})
	}
	h.recordEvent(ctx, callID, "ivr_navigation_complete", "all menu steps sent", nil)
}

// isLiteralDigits reports whether action is a DTMF sequence rather than a
// gathered_info key. w is the carrier's half-second pause.
func isLiteralDigits(action string) bool {
	if action == "" {
		return false
	}
	for _, r := range action {
		switch {
		case r >= '0' && r <= '9':
		case r == '*' || r == '#' || r == 'w' || r == 'W':
		default:
			return false
		}
	}
	return true
}
