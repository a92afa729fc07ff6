// Package keycache はトークン署名鍵のキャッシュを提供する。
//
// 署名鍵は永続ストアに保存され、プロセス内ではアトミックなスナップショットとして保持する。
// 読み取りはロックを取らない。TTL を過ぎた場合のみストアを参照し、必要なら新しい鍵を生成する。
package keycache

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hitoshi/stationops/internal/model"
)

// SecretSize は生成する鍵素材のバイト数。
const SecretSize = 32

const (
	// missTTL はストアに存在しなかった kid を再照会しない期間。
	missTTL = time.Minute
	// missCacheSize は記憶する未知 kid の上限。超えると古いものから捨てる。
	missCacheSize = 1024
)

// KeyStore は署名鍵の永続ストア。
// repository.SigningKeyRepositoryの部分集合として定義する。
type KeyStore interface {
	Latest(ctx context.Context) (*model.SigningKey, error)
	FindByID(ctx context.Context, id string) (*model.SigningKey, error)
	Insert(ctx context.Context, key *model.SigningKey) error
}

// RotationRecorder は鍵ローテーションの発生を記録する。
type RotationRecorder interface {
	KeyRotated()
}

// Config はProviderの設定。
type Config struct {
	// TTL は鍵を署名に使い続ける期間。
	TTL time.Duration
	// Overlap はTTL経過後も検証用に鍵を受理し続ける猶予期間。0 なら猶予なし。
	Overlap time.Duration
	// Now は現在時刻を返す。nil の場合は time.Now を使う。
	Now func() time.Time
	// Recorder は nil でもよい。
	Recorder RotationRecorder
}

// snapshot は公開中のキャッシュ内容。公開後は変更しない。
type snapshot struct {
	active *model.SigningKey
	verify map[string]*model.SigningKey
}

// Provider は署名鍵のリードスルーキャッシュ。複数ゴルーチンから安全に利用できる。
//
// 2つのゴルーチンが同時にTTL切れを検出した場合、両方が新しい鍵を保存することがある。
// 公開されるのは先にスナップショットを差し替えた方で、もう一方の鍵は署名に使われない。
type Provider struct {
	store    KeyStore
	ttl      time.Duration
	overlap  time.Duration
	now      func() time.Time
	recorder RotationRecorder

	current atomic.Pointer[snapshot]
	// misses は kid から再照会を許可する時刻への対応。
	misses *lru.Cache[string, time.Time]
}

// NewProvider は新しいProviderを生成する。鍵は初回利用時に読み込む。
func NewProvider(store KeyStore, cfg Config) *Provider {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	// サイズが正なら失敗しない
	misses, _ := lru.New[string, time.Time](missCacheSize)
	return &Provider{
		store:    store,
		ttl:      cfg.TTL,
		overlap:  cfg.Overlap,
		now:      now,
		recorder: cfg.Recorder,
		misses:   misses,
	}
}

// Active は署名に使う現在の鍵を返す。
// キャッシュがTTL内ならストアにアクセスしない。
func (p *Provider) Active(ctx context.Context) (*model.SigningKey, error) {
	now := p.now()
	snap := p.current.Load()
	if snap != nil && p.signable(snap.active, now) {
		return snap.active, nil
	}
	return p.refresh(ctx, snap, now)
}

// Lookup は kid に対応する検証鍵を返す。
// 受理できる鍵がない場合は (nil, nil) を返す。ストア障害はエラーとして返す。
func (p *Provider) Lookup(ctx context.Context, kid string) (*model.SigningKey, error) {
	now := p.now()

	if snap := p.current.Load(); snap != nil {
		if k, ok := snap.verify[kid]; ok {
			if p.verifiable(k, now) {
				return k, nil
			}
			return nil, nil
		}
	}

	// 他プロセスが発行した鍵の可能性があるためストアを参照する
	if _, err := uuid.Parse(kid); err != nil {
		return nil, nil
	}
	if p.recentlyMissed(kid, now) {
		return nil, nil
	}

	k, err := p.store.FindByID(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to find signing key: %w", err)
	}
	if k == nil || !p.verifiable(k, now) {
		p.misses.Add(kid, now.Add(missTTL))
		return nil, nil
	}

	p.remember(k, now)
	return k, nil
}

// recentlyMissed は kid が直近にストアで見つからなかったかどうかを返す。
func (p *Provider) recentlyMissed(kid string, now time.Time) bool {
	until, ok := p.misses.Get(kid)
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	p.misses.Remove(kid)
	return false
}

// refresh はストアから最新の鍵を読み込み、それも期限切れなら新しい鍵を生成して保存する。
func (p *Provider) refresh(ctx context.Context, prev *snapshot, now time.Time) (*model.SigningKey, error) {
	latest, err := p.store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	key := latest
	if !p.signable(key, now) {
		key, err = generateKey(now)
		if err != nil {
			return nil, err
		}
		if err := p.store.Insert(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to save signing key: %w", err)
		}
		if p.recorder != nil {
			p.recorder.KeyRotated()
		}
		slog.Info("signing key rotated",
			slog.String("kid", key.ID),
		)
	}

	next := p.buildSnapshot(prev, key, now, latest)
	if p.current.CompareAndSwap(prev, next) {
		return key, nil
	}

	// 他のゴルーチンが先に差し替えた。その鍵が使えるならそちらを採用する
	if cur := p.current.Load(); cur != nil && p.signable(cur.active, now) {
		return cur.active, nil
	}
	return key, nil
}

// remember は検証用の鍵をスナップショットに追加する。
func (p *Provider) remember(k *model.SigningKey, now time.Time) {
	for {
		prev := p.current.Load()
		next := &snapshot{verify: make(map[string]*model.SigningKey)}
		if prev != nil {
			next.active = prev.active
			for id, v := range prev.verify {
				if p.verifiable(v, now) {
					next.verify[id] = v
				}
			}
		}
		next.verify[k.ID] = k
		if p.current.CompareAndSwap(prev, next) {
			return
		}
	}
}

// buildSnapshot は active を新しい署名鍵とし、まだ検証可能な鍵を引き継いだスナップショットを作る。
func (p *Provider) buildSnapshot(prev *snapshot, active *model.SigningKey, now time.Time, extra ...*model.SigningKey) *snapshot {
	next := &snapshot{
		active: active,
		verify: map[string]*model.SigningKey{active.ID: active},
	}
	if prev != nil {
		for id, k := range prev.verify {
			if p.verifiable(k, now) {
				next.verify[id] = k
			}
		}
	}
	for _, k := range extra {
		if k != nil && p.verifiable(k, now) {
			next.verify[k.ID] = k
		}
	}
	return next
}

// signable は鍵が署名に使える（TTL内）かどうかを返す。
func (p *Provider) signable(k *model.SigningKey, now time.Time) bool {
	return k != nil && now.Sub(k.IssuedAt) < p.ttl
}

// verifiable は鍵が検証に使える（TTL + Overlap 内）かどうかを返す。
func (p *Provider) verifiable(k *model.SigningKey, now time.Time) bool {
	return k != nil && now.Sub(k.IssuedAt) < p.ttl+p.overlap
}

// generateKey は暗号論的乱数から新しい署名鍵を生成する。
func generateKey(now time.Time) (*model.SigningKey, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &model.SigningKey{
		ID:       uuid.NewString(),
		Secret:   secret,
		IssuedAt: now.UTC().Truncate(time.Microsecond),
	}, nil
}
