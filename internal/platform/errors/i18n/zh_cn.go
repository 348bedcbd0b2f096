package i18n

import "golang.org/x/text/language"

var translations = map[language.Tag]map[string]string{
	language.MustParse("zh-CN"): {
		"no active connections":                             "没有活动的连接",
		"no such connection":                                "连接不存在",
		"connection closed":                                 "连接已关闭",
		"timed out waiting for reply":                       "等待响应超时",
		"request cancelled":                                 "请求已取消",
		"broker is shutting down":                           "服务正在关闭",
		"task queue is full":                                "任务队列已满",
		"unknown command":                                   "未知命令",
		"command handler failed":                            "命令处理失败",
		"invalid JSON":                                      "无效的 JSON",
		"unknown message type":                              "未知的消息类型",
		"missing command name":                              "缺少命令名称",
		"commands are not accepted on the executor channel": "执行端通道不接受命令",
		"authentication required":                           "需要认证",
		"invalid api key":                                   "无效的 API 密钥",
		"authentication timed out":                          "认证超时",
		"already authenticated":                             "已经认证",
		"connection replaced by a newer session":            "连接已被新的会话替换",
		"connection id already in use":                      "连接 ID 已被占用",
		"duplicate exchange id":                             "重复的交换 ID",
		"invalid argument":                                  "无效的参数",
		"message too large":                                 "消息过大",
		"too many messages":                                 "消息过多",
	},
}
