// Package config 负责加载 agentmeshd 的启动配置：API 监听地址、
// 记录存储、事件总线、价值账本以及日志行为，并为缺失字段补上默认值。
package config
