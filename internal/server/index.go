package server

var indexHTML = []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Hitotsume</title>
    <style>
        body { font-family: sans-serif; margin: 2em; }
        img { max-width: 100%; background: #222; }
        button { margin-right: 0.5em; }
        #result { white-space: pre; font-family: monospace; }
    </style>
</head>
<body>
    <h1>Hitotsume</h1>
    <img id="live" src="/video_feed" alt="ライブビュー">
    <p>
        <button onclick="send('POST', '/api/photos')">撮影</button>
        <button onclick="send('POST', '/api/recordings')">録画開始</button>
        <button onclick="send('DELETE', '/api/recordings/current')">録画停止</button>
        <button onclick="send('POST', '/api/reset')">リセット</button>
    </p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <div id="result"></div>
    <script>
        async function send(method, path) {
            const res = await fetch(path, { method: method });
            const text = await res.text();
            document.getElementById('result').textContent = res.status + ' ' + text;
            if (path === '/api/photos' || path === '/api/reset') {
                document.getElementById('live').src = '/video_feed?t=' + Date.now();
            }
        }
    </script>
</body>
</html>
`)
