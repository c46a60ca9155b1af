package maidconnect_test

import (
	"os"
	"strings"
	"testing"
)

func readDeployFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("%s should exist: %v", name, err)
	}
	return string(data)
}

func TestDockerfile(t *testing.T) {
	content := readDeployFile(t, "Dockerfile")

	tests := []struct {
		name string
		want string
	}{
		{"Goのビルドステージ", "FROM golang:"},
		{"cmd/maidconnectをビルドする", "./cmd/maidconnect"},
		{"リリース識別子を埋め込む", "internal/app.Version="},
		{"ENTRYPOINTでバイナリを起動する", `ENTRYPOINT ["/maidconnect"]`},
		// distrolessにはシェルがないため、ヘルスチェックはサブコマンドで行う
		{"healthcheckサブコマンド", `"healthcheck"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(content, tt.want) {
				t.Errorf("Dockerfile should contain %q", tt.want)
			}
		})
	}

	t.Run("最終ステージは軽量イメージ", func(t *testing.T) {
		var lastFrom string
		for _, line := range strings.Split(content, "\n") {
			if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
				lastFrom = trimmed
			}
		}
		if !strings.Contains(lastFrom, "gcr.io/distroless") {
			t.Errorf("final stage should be distroless, got: %s", lastFrom)
		}
	})
}

func TestDockerCompose(t *testing.T) {
	content := readDeployFile(t, "docker-compose.yml")

	tests := []struct {
		name string
		want string
	}{
		{"apiサービス", "api:"},
		{"workerサービス", "worker:"},
		{"マイグレーション", "migrate:"},
		{"PostgreSQL", "image: postgres:"},
		{"OAuth state共有用のRedis", "image: redis:"},
		{"workerはworkerサブコマンドで起動する", `command: ["worker"]`},
		{"apiはmigrate完了後に起動する", "service_completed_successfully"},
		{"apiにREDIS_URLを渡す", "REDIS_URL: redis://redis:6379/0"},
		// DBとRedisは外部へ出られない
		{"内部ネットワーク", "internal: true"},
		// Identity Providerと通信するapiのみ外部ネットワークに接続する
		{"外部ネットワーク", "external:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(content, tt.want) {
				t.Errorf("docker-compose.yml should contain %q", tt.want)
			}
		})
	}
}

func TestEnvExample_ListsProviderSettings(t *testing.T) {
	content := readDeployFile(t, ".env.example")

	for _, key := range []string{"BASE_URL=", "NEXT_PUBLIC_SUPABASE_URL=", "NEXT_PUBLIC_SUPABASE_ANON_KEY=", "SUPABASE_SERVICE_ROLE_KEY=", "DEFAULT_ROLE="} {
		if !strings.Contains(content, key) {
			t.Errorf(".env.example should list %s", key)
		}
	}
}
