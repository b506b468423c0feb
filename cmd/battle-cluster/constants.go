package main

import "errors"

// cli flag names
const (
	InstanceIDFlag          = "instance-id"
	HostFlag                = "host"
	PortFlag                = "port"
	RegionFlag              = "region"
	KeyPrefixFlag           = "key-prefix"
	BusFlag                 = "bus"
	NATSURLFlag             = "nats-url"
	GRPCListenAddrFlag      = "grpc-listen-address"
	GRPCListenPortFlag      = "grpc-listen-port"
	GRPCAdvertiseAddrFlag   = "grpc-advertise-address"
	TLSEnabledFlag          = "tls"
	TLSKeyPathFlag          = "tls-key-path"
	TLSCertPathFlag         = "tls-cert-path"
	HeartbeatIntervalFlag   = "heartbeat-interval"
	HealthCheckIntervalFlag = "health-check-interval"
	ForwardingModeFlag      = "forwarding-mode"
	ForwardTimeoutFlag      = "forward-timeout"
	MatchStrategyFlag       = "match-strategy"
	MatchIntervalFlag       = "match-interval"
	BalanceStrategyFlag     = "balance-strategy"
	DisconnectGraceFlag     = "disconnect-grace"
	RedisAddrFlag           = "redis-addr"
	RedisPortFlag           = "redis-port"
	RedisUsernameFlag       = "redis-user"
	RedisPasswordFlag       = "redis-password"
	RedisDBFlag             = "redis-db"
	LogLevelFlag            = "log-level"
	LogFormatFlag           = "log-format"
	SampleHostFlag          = "sample-host"
	ShutDownTimeoutFlag     = "shutdown-timeout"
)

var ErrUnhandledBackend = errors.New("unhandled bus backend")
