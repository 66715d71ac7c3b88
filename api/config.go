package api

import "time"

type ServerConfig struct {
	// ID 為節點識別，作為consumer group內的consumer名稱
	ID string
	// Standalone 為單節點模式，使用行程內的帳本和商品鎖，不連接資料庫與Redis
	Standalone bool

	DB    DBConfig
	Redis RedisConfig
	Lock  LockConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	ConsumerGroup string
	StreamKeys    RedisStreamKeys
}

type RedisStreamKeys struct {
	Settlement string
}

type LockConfig struct {
	// Wait 為等待商品鎖的時間上限，超過後回報Busy讓出價者重試
	Wait time.Duration
}
