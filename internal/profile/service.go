// Package profile はprofilesテーブル（ユーザーごとのロールと氏名）へのアクセスを提供する。
//
// 書き込みは常に完了を待ち、書き込み後の行を返す。直後の読み取りで
// 書き込み前の状態が見えることはない。
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/maidconnect/internal/model"
	"github.com/hitoshi/maidconnect/internal/repository"
)

// DefaultRetryDelay はサインアップ直後のプロフィール未作成時に再読み込みまで待つ時間。
const DefaultRetryDelay = 2 * time.Second

var (
	// ErrMissingEmail はメールアドレスを持たないユーザーのプロフィール作成を表す。
	ErrMissingEmail = errors.New("profile: user has no email")
	// ErrInvalidUser はユーザーIDがUUIDでない場合のエラー。
	ErrInvalidUser = errors.New("profile: invalid user id")
	// ErrInvalidRole は無効なロールでの書き込みを表す。
	ErrInvalidRole = errors.New("profile: invalid role")
	// ErrWriteFailed はprofilesへの書き込み失敗を表す。
	ErrWriteFailed = errors.New("profile: write failed")
)

// Sanitizer は氏名の無害化を行う。
type Sanitizer interface {
	Sanitize(name string) string
}

// EnsureInput はEnsureの入力。
type EnsureInput struct {
	User *model.User
	Role model.Role
	// FullName が空の場合はuser_metadataの氏名を使う。
	FullName string
	// Overwrite は既存プロフィールのロールを上書きするか。
	// 利用者が明示的に選んだロール（サインアップフォーム、OAuth開始時のstate）の場合のみtrueとする。
	Overwrite bool
}

// Service はプロフィールの読み書きを提供する。
type Service struct {
	repo       repository.ProfileRepository
	sanitizer  Sanitizer
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewService はServiceを生成する。retryDelayが0以下の場合はDefaultRetryDelayを使う。
func NewService(repo repository.ProfileRepository, sanitizer Sanitizer, retryDelay time.Duration) *Service {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Service{
		repo:       repo,
		sanitizer:  sanitizer,
		retryDelay: retryDelay,
		sleep:      sleepContext,
	}
}

// Get はプロフィールを取得する。存在しない場合はnilを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Profile, error) {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// AwaitTrigger は一定時間待ってからプロフィールを再取得する。
// サインアップ直後にDBトリガーによる行作成が間に合っていない場合に使う。再試行は1回のみ。
func (s *Service) AwaitTrigger(ctx context.Context, id string) (*model.Profile, error) {
	if err := s.sleep(ctx, s.retryDelay); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Ensure はプロフィールを作成または更新し、書き込み後の行を返す。
func (s *Service) Ensure(ctx context.Context, in EnsureInput) (*model.Profile, error) {
	if in.User == nil {
		return nil, ErrInvalidUser
	}
	if _, err := uuid.Parse(in.User.ID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUser, in.User.ID)
	}
	if in.User.Email == "" {
		return nil, ErrMissingEmail
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}

	fullName := in.FullName
	if fullName == "" {
		fullName = in.User.MetadataFullName()
	}
	if s.sanitizer != nil {
		fullName = s.sanitizer.Sanitize(fullName)
	}

	p, err := s.repo.Upsert(ctx, &model.Profile{
		ID:       in.User.ID,
		Email:    in.User.Email,
		FullName: fullName,
		Role:     in.Role,
	}, in.Overwrite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return p, nil
}

// sleepContext はctxのキャンセルを考慮して待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
