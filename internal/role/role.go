// Package role はサインアップ・サインイン・OAuthコールバックにおけるロール解決を提供する。
//
// 解決はフォールバックを含まない純粋関数として実装し、
// デフォルトロールの適用は呼び出し側（authパッケージ）のポリシーに委ねる。
package role

import (
	"strings"

	"github.com/hitoshi/maidconnect/internal/model"
)

// SourceName はロール値の取得元を表す。
type SourceName string

const (
	SourceState    SourceName = "state"
	SourceQuery    SourceName = "query"
	SourceMetadata SourceName = "metadata"
	SourceStored   SourceName = "stored"
	SourceForm     SourceName = "form"
	SourceFallback SourceName = "fallback"
	SourceNone     SourceName = ""
)

// Source は優先順位付きのロール候補。
type Source struct {
	Name  SourceName
	Value string
}

// Resolution はロール解決の結果。Resolved=falseの場合、Roleは空となる。
type Resolution struct {
	Role     model.Role
	Source   SourceName
	Resolved bool
}

// Explicit は利用者の明示的な選択（フォーム入力またはOAuth開始時のstate）によるロールかを返す。
// 既存プロフィールのロールを上書きしてよいのはこの場合のみ。
func (r Resolution) Explicit() bool {
	return r.Resolved && (r.Source == SourceState || r.Source == SourceForm)
}

// Resolve は与えられた順に候補を評価し、有効なロールに解釈できる最初の値を返す。
// どの候補も有効でない場合はResolved=falseを返し、デフォルト値は補わない。
func Resolve(sources ...Source) Resolution {
	for _, s := range sources {
		if r, ok := model.ParseRole(s.Value); ok {
			return Resolution{Role: r, Source: s.Name, Resolved: true}
		}
	}
	return Resolution{}
}

// OrDefault は未解決の結果にフォールバックロールを適用する。
func OrDefault(res Resolution, def model.Role) Resolution {
	if res.Resolved {
		return res
	}
	return Resolution{Role: def, Source: SourceFallback, Resolved: true}
}

// statePrefix はロール選択済みOAuthフローのstate接頭辞。
const statePrefix = "role_"

// FromState は "role_<value>" または "role_<value>_<nonce>" 形式のstateからロール値を取り出す。
// 形式に一致しない場合は空文字列を返す。値の妥当性は検証しない。
func FromState(state string) string {
	if !strings.HasPrefix(state, statePrefix) {
		return ""
	}
	rest := strings.TrimPrefix(state, statePrefix)
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// CallbackSources はOAuthコールバックにおける正規の優先順位
// （state → クエリパラメータ → user_metadata）で候補を並べる。
func CallbackSources(state, query string, user *model.User) []Source {
	return []Source{
		{Name: SourceState, Value: FromState(state)},
		{Name: SourceQuery, Value: query},
		{Name: SourceMetadata, Value: user.MetadataRole()},
	}
}
