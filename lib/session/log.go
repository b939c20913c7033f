package session

import "github.com/wireamqp/amqpmux/lib/util/logger"

var log = logger.GetLogger()
