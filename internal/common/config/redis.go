package config

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig describes the Redis deployment holding shared run state. Allocations connect for a
// few short lock round trips only, so the pool is kept small.
type RedisConfig struct {
	// Either a single address, a seed list of cluster addresses or the sentinel addresses
	Addrs []string
	// Sentinel master; empty unless Addrs lists sentinels
	MasterName   string
	DB           int
	Password     string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	poolSize := rc.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		MasterName:   rc.MasterName,
		DB:           rc.DB,
		Password:     rc.Password,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     poolSize,
	}
}
