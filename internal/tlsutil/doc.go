// Package tlsutil 提供节点间 HTTP 访问使用的安全加固 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 并支持为私有联邦加载额外的 CA 证书。
package tlsutil
