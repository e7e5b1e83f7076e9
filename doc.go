// Package studylobby 是讀書放置遊戲的即時協調層。
//
// 服務同時承載 WebSocket 連線、大廳在線名單、排行榜與背景任務。
//
// # 連線管理
//
// 每個使用者身分同時只有一條有效連線：
//   - 全域上限預設 200 條，超過時以 1013 關閉新連線
//   - 同一身分重新連線時取代舊連線（1000 "superseded"）
//   - 伺服器定時 ping，應用層另有 ping/pong 與 lobby_status 訊息
//
// # 排行榜
//
// 依 daily、weekly、monthly、all_time 四個週期維護分數：
//   - 單機使用跳躍表，多實例使用 Redis Sorted Set
//   - 每個週期鍵 24 小時過期，由同步任務整批重建
//   - 時區預設 Asia/Taipei，午夜觸發週期重置
//
// # 背景任務
//
// 任務編排器統一管理三個任務的啟動與停止：
//   - sync：從 PostgreSQL 讀取學習時數並重建排行榜，失敗時指數退避
//   - reset：每日午夜清除到期的週期
//   - cache-sweep：每 30 分鐘清理使用者資訊快取，失敗後冷卻 5 分鐘
//
// # 跨實例廣播
//
// 設定 NATS URL 後，大廳事件經由 NATS 主題轉發到每個實例再做本地扇出。
//
// 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server --config config.yaml
//
// 執行資料庫遷移：
//
//	go run ./cmd/server migrate up
package studylobby
