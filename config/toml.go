package config

const ConfigTemplate = `db_driver = "{{ .DbDriver }}"
db_host = "{{ .DbHost }}"
db_port = {{ .DbPort }}
db_username = "{{ .DbUsername }}"
db_password = "{{ .DbPassword }}"
db_schema = "{{ .DbSchema }}"
in_memory = {{ .InMemory }}

server_port = {{ .ServerPort }}
home_chain_id = "{{ .HomeChainId }}"

[tracer]
poll_base_interval = {{ .Tracer.PollBaseInterval }}
poll_max_interval = {{ .Tracer.PollMaxInterval }}
trace_timeout = {{ .Tracer.TraceTimeout }}
connection_timeout = {{ .Tracer.ConnectionTimeout }}
timeout_grace = {{ .Tracer.TimeoutGrace }}
ping_interval = {{ .Tracer.PingInterval }}

[chains]{{ range $k, $v := .Chains }}
	[chains.{{ $k }}]
	chain_id = "{{ $k }}"
	rpc_url = "{{ $v.RpcUrl }}"
	ws_endpoint = "{{ $v.WsEndpoint }}"
{{ end }}
`
