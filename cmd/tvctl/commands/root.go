package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"tilevault/pkg/app"
	"tilevault/pkg/config"
	"tilevault/pkg/types"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	TV *app.App
)

var rootCmd = &cobra.Command{
	Use:          "tvctl",
	Short:        "TileVault: tiled array fragments on disk and object storage",
	SilenceUsage: true,
	// PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		TV, err = app.NewApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize tilevault: %w", err)
		}
		return nil
	},
}

// Execute 是入口。命令结束后 (无论成败) 提交所有打开的写会话。
func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if TV != nil {
		if cerr := TV.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown: %w", cerr))
		}
		TV = nil
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// 1. 全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tilevault/config.yaml)")

	// 2. 存储参数绑定到 Viper，yaml 里写或者用参数覆盖都可以
	rootCmd.PersistentFlags().String("storage-path", "", "Directory to store arrays (disk storage)")
	rootCmd.PersistentFlags().String("storage-type", "", "Storage backend: disk, s3 or blob")
	for key, flag := range map[string]string{
		"storage.path": "storage-path",
		"storage.type": "storage-type",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Println("Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}

// fragmentURI 解析 fragment 参数：完整 URI 原样使用，否则是数组下的目录名
func fragmentURI(arrayURI types.URI, name string) (types.URI, error) {
	if strings.Contains(name, "://") {
		return types.ParseURI(name)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid fragment name %q", name)
	}
	return arrayURI.JoinPath(name), nil
}
