package network

import "time"

const (
	connTimeout       = 30 * time.Second
	maxMsgSize        = 1024 * 1024 // 1MB
	keepAliveInterval = 5 * time.Second
)
