// waf_detector 加载规则目录并对结构化请求数据做规则评估。
//
// 用法:
//
//	# 启动服务(配置接口、指标、规则热加载、可选的请求回放)
//	waf_detector run --config config.yaml
//
//	# 检查规则文件
//	waf_detector lint rules/
//
//	# 回放请求文件并输出告警
//	waf_detector replay requests.jsonl
package main

func main() {
	Execute()
}
