package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupIntegrationEnv 使用真实文件系统 + sqlite 目录
func setupIntegrationEnv(t *testing.T) string {
	tmpDir := t.TempDir()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("storage.type", "disk")
	viper.Set("storage.path", filepath.Join(tmpDir, "arrays"))
	viper.Set("catalog.driver", "sqlite")
	viper.Set("catalog.dsn", filepath.Join(tmpDir, "catalog.db"))
	return tmpDir
}

// run 执行一条命令并返回它的标准输出
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// slice 类型的参数在同一个进程里会累加，每次执行前重新注册
	bindCreateFlags()
	bindCatFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "tvctl %s", strings.Join(args, " "))
	return out
}

func TestCLI_Workflow(t *testing.T) {
	tmpDir := setupIntegrationEnv(t)

	// 1. create
	out := mustRun(t, "create", "raw", "--attr", "b:1", "--domain", "0,1048575", "--tile", "64")
	assert.Contains(t, out, "Created array")

	_, err := run(t, "create", "raw", "--attr", "b:1", "--domain", "0,1048575", "--tile", "64")
	assert.ErrorContains(t, err, "already exists")

	// 2. put
	content := bytes.Repeat([]byte("tiles "), 100)
	src := filepath.Join(tmpDir, "input.bin")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	out = mustRun(t, "put", "raw", src)
	assert.Contains(t, out, "Wrote 600 cells in 10 tiles")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	frag := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(frag, "__"), "committed name, got %q", frag)

	// 3. fragments
	out = mustRun(t, "fragments", "raw")
	assert.Contains(t, out, frag)

	// 4. info
	out = mustRun(t, "info", "raw", frag)
	assert.Contains(t, out, "Cells:    600")
	assert.Contains(t, out, "Type:     dense")

	// 5. cat 还原原始数据
	out = mustRun(t, "cat", "raw", frag)
	assert.Equal(t, string(content), out)

	// 6. rm
	out = mustRun(t, "rm", "raw", frag)
	assert.Contains(t, out, "Removed 1 fragments")
	out = mustRun(t, "fragments", "raw")
	assert.Contains(t, out, "No fragments yet.")

	_, err = run(t, "rm", "raw", frag)
	assert.ErrorContains(t, err, "does not exist")
}

func TestCLI_Errors(t *testing.T) {
	setupIntegrationEnv(t)

	_, err := run(t, "create", "bad", "--attr", "b", "--domain", "0,9")
	assert.ErrorContains(t, err, "invalid attribute")

	_, err = run(t, "create", "bad", "--attr", "b:1", "--domain", "0")
	assert.ErrorContains(t, err, "lo,hi pairs")

	_, err = run(t, "put", "ghost", "/nonexistent")
	assert.Error(t, err)

	_, err = run(t, "info", "ghost", "a/b")
	assert.ErrorContains(t, err, "invalid fragment name")
}

func TestParseAttribute(t *testing.T) {
	a, err := parseAttribute("name:8:var")
	require.NoError(t, err)
	assert.Equal(t, "name", a.Name)
	assert.Equal(t, uint64(8), a.CellSize)
	assert.True(t, a.VarSize)

	for _, bad := range []string{"x", "x:y", "x:1:fixed", "x:1:var:extra"} {
		_, err := parseAttribute(bad)
		assert.Error(t, err, bad)
	}
}
