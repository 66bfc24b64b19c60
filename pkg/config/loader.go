package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.tilevault -> ~/.tilevault
		viper.AddConfigPath(".")
		viper.AddConfigPath(".tilevault")
		viper.AddConfigPath(filepath.Join(home, ".tilevault"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (TILEVAULT_S3_BUCKET 对应 s3.bucket)
	viper.SetEnvPrefix("TILEVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，可能全靠环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintln(os.Stderr, "⚠️  No config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	// 存储
	wd, _ := os.Getwd()
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(wd, ".tilevault", "arrays"))
	viper.SetDefault("storage.request_timeout", 30*time.Second)

	// S3 (MinIO 本地开发的默认值)
	viper.SetDefault("s3.endpoint", "")
	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.part_size", 5<<20)
	viper.SetDefault("s3.concurrency", 4)

	// gocloud bucket
	viper.SetDefault("blob.url", "")

	// Redis 缓存，redis_url 为空时不启用
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", 10*time.Minute)

	// fragment 目录
	viper.SetDefault("catalog.driver", "none")
	viper.SetDefault("catalog.dsn", "")

	// 数据库默认值 (catalog.driver = postgres)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.dbname", "tilevault")
	viper.SetDefault("database.sslmode", "disable")

	// 元数据编码
	viper.SetDefault("metadata.compression", "zstd")
}
