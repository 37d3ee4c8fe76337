package gamebus

// Package gamebus 为实时多人游戏提供统一事件总线：发布/订阅引擎、
// 可配置投递保证（fire-and-forget / at-least-once / exactly-once）、
// 订阅路由与过滤、批处理与优先级调度，以及经外部 broker
// （Redis/RabbitMQ）把事件扇出到多进程与 WebSocket 客户端的分布式桥接。
