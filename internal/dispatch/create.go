package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/store"
	"github.com/matheus3301/medchat/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotEligible blocks conversation creation. Use errors.As with
	// *EligibilityError to read the server's reason.
	ErrNotEligible = errors.New("not eligible to chat")
	// ErrCreateTimeout means the server never answered conversation:create.
	ErrCreateTimeout = errors.New("conversation create timed out")
	ErrInvalidRole   = errors.New("target user type must be doctor or patient")
)

// EligibilityError carries the eligibility gate's refusal.
type EligibilityError struct {
	UserID int64
	Reason string
}

func (e *EligibilityError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("user %d: %s", e.UserID, ErrNotEligible)
	}
	return fmt.Sprintf("user %d: %s: %s", e.UserID, ErrNotEligible, e.Reason)
}

func (e *EligibilityError) Is(target error) bool {
	return target == ErrNotEligible
}

// CreateConversation returns the conversation between the local user and
// target, creating it if needed. An existing conversation is reused; a new one
// is only requested after the eligibility gate allows it. Concurrent calls for
// the same target share one request.
func (d *Dispatcher) CreateConversation(ctx context.Context, targetUserID int64, targetRole chat.Role) (chat.Conversation, error) {
	if !targetRole.Valid() {
		return chat.Conversation{}, ErrInvalidRole
	}
	pair := pairWith(d.store.Self(), targetUserID, targetRole)
	if c, ok := d.store.FindByPair(pair); ok {
		return c, nil
	}

	key := strconv.FormatInt(targetUserID, 10) + "/" + string(targetRole)
	v, err, shared := d.group.Do(key, func() (any, error) {
		return d.create(ctx, targetUserID, targetRole, pair)
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	if shared {
		d.logger.Debug("create collapsed", zap.Int64("target_user_id", targetUserID))
	}
	return v.(chat.Conversation), nil
}

func (d *Dispatcher) create(ctx context.Context, targetUserID int64, targetRole chat.Role, pair chat.Pair) (chat.Conversation, error) {
	elig, err := d.api.CanChat(ctx, targetUserID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("eligibility check: %w", err)
	}
	if !elig.CanChat {
		return chat.Conversation{}, &EligibilityError{UserID: targetUserID, Reason: elig.Reason}
	}
	if elig.ChatID > 0 {
		if c, ok := d.store.Conversation(elig.ChatID); ok {
			return c, nil
		}
		d.refreshConversations(ctx)
		if c, ok := d.store.Conversation(elig.ChatID); ok {
			return c, nil
		}
	}
	if c, ok := d.store.FindByPair(pair); ok {
		return c, nil
	}

	reqID := d.newID()
	ch := make(chan createResult, 1)
	d.mu.Lock()
	d.creates[reqID] = ch
	d.mu.Unlock()
	forget := func() {
		d.mu.Lock()
		delete(d.creates, reqID)
		d.mu.Unlock()
	}

	err = d.conn.Send(ctx, wire.CreateConversation{RequestID: reqID, TargetUserID: targetUserID, TargetUserType: targetRole})
	if err != nil {
		forget()
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	t := time.NewTimer(d.opts.CreateTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return chat.Conversation{}, fmt.Errorf("create conversation: %w", res.err)
		}
		d.logger.Info("conversation ready", zap.Int64("conversation_id", res.conv.ID), zap.Int64("target_user_id", targetUserID))
		if c, ok := d.store.Conversation(res.conv.ID); ok {
			return c, nil
		}
		return res.conv, nil
	case <-t.C:
		forget()
		return chat.Conversation{}, ErrCreateTimeout
	case <-ctx.Done():
		forget()
		return chat.Conversation{}, ctx.Err()
	}
}

func pairWith(self, target int64, targetRole chat.Role) chat.Pair {
	if targetRole == chat.RoleDoctor {
		return chat.Pair{DoctorID: target, PatientID: self}
	}
	return chat.Pair{DoctorID: self, PatientID: target}
}

// Open makes conversationID the active conversation and loads its history.
func (d *Dispatcher) Open(ctx context.Context, conversationID int64) error {
	if _, ok := d.store.Conversation(conversationID); !ok {
		return fmt.Errorf("%w: conversation %d", store.ErrUnknownConversation, conversationID)
	}
	d.active.Store(conversationID)
	msgs, err := d.api.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	d.store.AppendHistory(conversationID, msgs)
	return nil
}
