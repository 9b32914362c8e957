package mqtt

import "errors"

var (
	ErrNotConnected    = errors.New("mqtt: not connected")
	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic    = errors.New("mqtt: invalid topic")
)
