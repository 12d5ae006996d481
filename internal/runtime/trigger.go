package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/crosstalk/internal/session"
)

// missingCredentialsPrompt is the synthesised system utterance for a verified
// banking session that arrived without account credentials.
const missingCredentialsPrompt = "[system] The customer's account number and sort code are " +
	"not on file yet. Ask for them before any account lookup."

// scheduleAutoTrigger arms the proactive first utterance for this session.
// It fires at most once per session, after a short delay so any greeting
// audio can finish, and only when the session memory satisfies the agent's
// pre-conditions. ctx is the stream's serve context: disconnect or runtime
// shutdown cancels a trigger that has not fired yet and any model call it
// is in the middle of.
func (c *conn) scheduleAutoTrigger(ctx context.Context) {
	rt := c.rt
	if !rt.cfg.AutoTriggerEnabled {
		return
	}
	sessionID := c.sessionID
	go func() {
		timer := time.NewTimer(rt.cfg.AutoTriggerDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		sess := c.current()
		if sess == nil {
			return
		}
		var utterance string
		sess.Do(func() {
			if sess.AutotriggerFired || sess.State == session.StateTerminated {
				return
			}
			utterance = autoTriggerUtterance(rt.cfg.AgentID, sess.Memory)
			if utterance != "" {
				sess.AutotriggerFired = true
			}
		})
		if utterance == "" {
			return
		}
		rt.logger.Info("auto-trigger fired",
			"session_id", sessionID, "agent_id", rt.cfg.AgentID)
		c.handleUtterance(ctx, utterance, true)
	}()
}

// autoTriggerUtterance derives the proactive utterance from the memory the
// gateway carried in. Empty means no trigger for this agent/memory
// combination.
func autoTriggerUtterance(agentID string, memory map[string]any) string {
	switch agentID {
	case "idv", "identity-verification":
		if memBool(memory, "verified") {
			return ""
		}
		account := memString(memory, "providedAccount")
		sortCode := memString(memory, "providedSortCode")
		if account == "" || sortCode == "" {
			return ""
		}
		return fmt.Sprintf("%s %s", account, sortCode)

	case "banking":
		if !memBool(memory, "verified") {
			return ""
		}
		if memString(memory, "providedAccount") == "" || memString(memory, "providedSortCode") == "" {
			return missingCredentialsPrompt
		}
		if intent := memString(memory, "userIntent"); intent != "" {
			return intent
		}
	}
	return ""
}

// memString reads a memory value as text. Booleans and nil read as empty so
// flag keys never leak into utterances.
func memString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil, bool:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// memBool reads a memory value as a flag, accepting bools and bool-ish
// strings.
func memBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
