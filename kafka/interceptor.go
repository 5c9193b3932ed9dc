package kafka

import (
	"github.com/IBM/sarama"
)

// 给每条出站消息打上来源实例标识
type AuditInterceptor struct {
	instanceID string
}

func (i *AuditInterceptor) OnSend(msg *sarama.ProducerMessage) {
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("origin-instance"),
		Value: []byte(i.instanceID),
	})
}

func NewAuditInterceptor(instanceID string) *AuditInterceptor {
	return &AuditInterceptor{instanceID: instanceID}
}
