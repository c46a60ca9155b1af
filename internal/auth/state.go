package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/maidconnect/internal/authstate"
	"github.com/hitoshi/maidconnect/internal/model"
)

// CurrentState はセッションの認証状態を返す。
// 確定済みの状態があればそれを返し、無ければUNKNOWN → LOADING → AUTHENTICATED/ANONYMOUS と解決する。
// 同じセッションの同時呼び出しは1回の解決にまとめる。
//
// 解決は呼び出し元のctxのキャンセルとは独立して最後まで進む。
// ctxが先に終了した場合はその時点の状態（通常LOADING）を返す。
func (s *Service) CurrentState(ctx context.Context, sessionID string) (authstate.Snapshot, error) {
	if sessionID == "" {
		return authstate.Snapshot{Status: authstate.StatusAnonymous}, nil
	}
	if snap := s.states.Get(sessionID); snap.Resolved() {
		if snap.Status == authstate.StatusAuthenticated {
			return s.revalidate(ctx, snap)
		}
		return snap, nil
	}

	type result struct {
		snap authstate.Snapshot
		err  error
	}
	detached := context.WithoutCancel(ctx)
	ch := make(chan result, 1)
	go func() {
		snap, err := s.states.Do(sessionID, func() (authstate.Snapshot, error) {
			return s.resolve(detached, sessionID, false)
		})
		ch <- result{snap, err}
	}()

	select {
	case r := <-ch:
		return r.snap, r.err
	case <-ctx.Done():
		return s.states.Get(sessionID), nil
	}
}

// revalidate はキャッシュ済みのAUTHENTICATEDを返す前にセッション行を確認する。
// 他のインスタンスでのサインアウトや期限切れ削除はここで反映される。
func (s *Service) revalidate(ctx context.Context, snap authstate.Snapshot) (authstate.Snapshot, error) {
	session, err := s.sessions.FindByID(ctx, snap.SessionID)
	if err != nil {
		slog.Warn("session revalidation failed",
			slog.String("session_id", snap.SessionID),
			slog.String("error", err.Error()),
		)
		s.states.Forget(snap.SessionID)
		return authstate.Snapshot{SessionID: snap.SessionID, Status: authstate.StatusLoading}, nil
	}
	if session == nil || session.UserID != snap.UserID || !session.ExpiresAt.After(s.now()) {
		return s.states.Clear(snap.SessionID)
	}
	return snap, nil
}

// Refresh は認証状態変更イベント（トークンのリフレッシュ、外部でのサインアウト）を処理する。
// 現在の状態にかかわらずLOADINGに戻し、Providerのトークンを更新して再解決する。
func (s *Service) Refresh(ctx context.Context, sessionID string) (authstate.Snapshot, error) {
	if sessionID == "" {
		return authstate.Snapshot{Status: authstate.StatusAnonymous}, nil
	}
	return s.states.Do(sessionID, func() (authstate.Snapshot, error) {
		return s.resolve(ctx, sessionID, true)
	})
}

// resolve はセッションの認証状態をLOADINGから確定状態まで進める。
// どの経路で戻ってもLOADINGのままにはならない。
func (s *Service) resolve(ctx context.Context, sessionID string, forceRefresh bool) (authstate.Snapshot, error) {
	s.states.Begin(sessionID)
	defer authstate.Settle(s.states, sessionID)

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		slog.Warn("session lookup failed, signing out",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return s.states.Clear(sessionID)
	}
	if session == nil {
		return s.states.Clear(sessionID)
	}

	user, err := s.sessionUser(ctx, session, forceRefresh)
	if err != nil {
		slog.Info("provider session is no longer valid, signing out",
			slog.String("session_id", sessionID),
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		s.endSession(ctx, session)
		return s.states.Clear(sessionID)
	}

	r := s.storedRole(ctx, "session", user)
	return s.authenticate(session, user, r)
}

// SignOut はProviderのトークンを失効させ、セッションを削除してANONYMOUSにする。
// Providerへの失効要求は失敗しても続行する。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if session != nil {
		s.revoke(ctx, session)
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if s.states.Get(sessionID).Status == authstate.StatusUnknown {
		s.states.Begin(sessionID)
	}
	if _, err := s.states.Clear(sessionID); err != nil {
		return err
	}

	slog.Info("user signed out", slog.String("session_id", sessionID))
	return nil
}

// activeSession は有効なセッションを返す。アクセストークンが期限切れであればリフレッシュする。
func (s *Service) activeSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.TokenExpired(s.now(), s.config.TokenRefreshSkew) {
		if err := s.refreshTokens(ctx, session); err != nil {
			s.endSession(ctx, session)
			return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
		}
	}
	return session, nil
}

// sessionUser はセッションのアクセストークンからユーザーを得る。
// 期限内のトークンはローカルで検証し、検証できない場合のみProviderに問い合わせる。
func (s *Service) sessionUser(ctx context.Context, session *model.Session, forceRefresh bool) (*model.User, error) {
	if forceRefresh || session.TokenExpired(s.now(), s.config.TokenRefreshSkew) {
		if err := s.refreshTokens(ctx, session); err != nil {
			return nil, err
		}
	}

	if s.verifier != nil && s.verifier.Enabled() {
		user, _, err := s.verifier.Verify(session.AccessToken)
		if err == nil {
			return user, nil
		}
		slog.Debug("local token verification failed, asking provider",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	done := s.track("get_user")
	user, err := s.provider.GetUser(ctx, session.AccessToken)
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// refreshTokens はリフレッシュトークンでProviderのトークンを更新し、セッションに保存する。
func (s *Service) refreshTokens(ctx context.Context, session *model.Session) error {
	done := s.track("token_refresh")
	ps, err := s.provider.RefreshSession(ctx, session.RefreshToken)
	done()
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	if err := s.sessions.UpdateTokens(ctx, session.ID, ps.AccessToken, ps.RefreshToken, ps.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save refreshed tokens: %w", err)
	}
	session.AccessToken = ps.AccessToken
	session.RefreshToken = ps.RefreshToken
	session.TokenExpiresAt = ps.ExpiresAt
	return nil
}

// endSession は無効になったセッションを破棄する。
func (s *Service) endSession(ctx context.Context, session *model.Session) {
	s.revoke(ctx, session)
	if err := s.sessions.DeleteByID(ctx, session.ID); err != nil {
		slog.Warn("failed to delete invalid session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

// revoke はProvider側のトークンを失効させる。失敗はログのみ。
func (s *Service) revoke(ctx context.Context, session *model.Session) {
	if session.AccessToken == "" {
		return
	}
	done := s.track("logout")
	err := s.provider.SignOut(ctx, session.AccessToken)
	done()
	if err != nil {
		slog.Warn("provider sign-out failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}
