package dashboard

import (
	"html/template"
	"net/http"
)

// indexTemplate is the dashboard page. Data is fetched from the JSON
// endpoints; the token, if any, is kept in localStorage.
var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Name}} Dashboard</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #128C7E; margin: 0; padding: 20px; }
.container { max-width: 900px; margin: 0 auto; background: #fff; border-radius: 16px; padding: 24px; }
.grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 12px; margin: 16px 0; }
.card { background: #f4f6f8; border-radius: 10px; padding: 12px; }
.card b { display: block; font-size: 1.4em; }
button { background: #25D366; color: #fff; border: 0; border-radius: 8px; padding: 10px 16px; margin: 4px; cursor: pointer; }
button.warn { background: #d9534f; }
#qr img { width: 300px; height: 300px; }
#msg { color: #555; min-height: 1.2em; }
</style>
</head>
<body>
<div class="container">
<h1>{{.Name}}</h1>
<div class="grid">
  <div class="card">State<b id="state">-</b></div>
  <div class="card">Auto-reply<b id="auto">-</b></div>
  <div class="card">Received<b id="received">0</b></div>
  <div class="card">Sent<b id="sent">0</b></div>
  <div class="card">AI replies<b id="ai">0</b></div>
  <div class="card">Keyword replies<b id="kw">0</b></div>
  <div class="card">Fallbacks<b id="fb">0</b></div>
  <div class="card">Contacts<b id="contacts">0</b></div>
  <div class="card">Uptime<b id="uptime">-</b></div>
</div>
<div id="qr"></div>
<p id="msg"></p>
<button onclick="post('/toggle')">Toggle auto-reply</button>
<button onclick="post('/save-history')">Save history</button>
<button onclick="post('/restart-client')">Restart client</button>
<button class="warn" onclick="post('/clear-history')">Clear history</button>
<button class="warn" onclick="post('/reset-auth')">Reset authentication</button>
<button onclick="setToken()">Set token</button>
</div>
<script>
function headers() {
  const t = localStorage.getItem('autoreply_token');
  return t ? { 'Authorization': 'Bearer ' + t } : {};
}
function setToken() {
  const t = prompt('Dashboard token');
  if (t !== null) localStorage.setItem('autoreply_token', t);
  refresh();
}
async function post(path) {
  const r = await fetch(path, { method: 'POST', headers: headers() });
  const body = await r.json().catch(() => ({}));
  document.getElementById('msg').textContent = body.message || (body.error && body.error.message) || r.statusText;
  refresh();
}
async function refresh() {
  const r = await fetch('/status', { headers: headers() });
  if (!r.ok) { document.getElementById('msg').textContent = 'status: ' + r.status; return; }
  const s = await r.json();
  document.getElementById('state').textContent = s.state;
  document.getElementById('auto').textContent = s.auto_reply ? 'on' : 'off';
  document.getElementById('received').textContent = s.stats.received;
  document.getElementById('sent').textContent = s.stats.sent;
  document.getElementById('ai').textContent = s.stats.ai_responses;
  document.getElementById('kw').textContent = s.stats.keyword_responses;
  document.getElementById('fb').textContent = s.stats.fallback_responses;
  document.getElementById('contacts').textContent = s.history_contacts;
  document.getElementById('uptime').textContent = s.uptime;
  const qr = document.getElementById('qr');
  if (!s.has_qr) { qr.innerHTML = ''; return; }
  const q = await fetch('/qr-image', { headers: headers() });
  if (!q.ok) { qr.innerHTML = ''; return; }
  const img = await q.json();
  qr.innerHTML = '<p>Scan with WhatsApp &gt; Linked devices</p><img alt="QR code" src="' + img.data_url + '">';
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`))

// handleIndex implements GET /.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, struct{ Name string }{s.name}); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
	}
}
