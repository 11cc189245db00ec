package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sprig/internal/logs"
)

// ReadingUpdate — событие «записано показание», рассылается всем подписчикам.
type ReadingUpdate struct {
	PlantID      *uint     `json:"plant_id"`
	PlantName    string    `json:"plant_name,omitempty"`
	SoilMoisture float64   `json:"soil_moisture"`
	WaterLevel   float64   `json:"water_level"`
	AirTemp      *float64  `json:"air_temp,omitempty"`
	AirHumidity  *float64  `json:"air_humidity,omitempty"`
	LightLevel   *float64  `json:"light_level,omitempty"`
	AirQuality   *float64  `json:"air_quality,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	IsWatering   bool      `json:"is_watering"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Браузерный клиент ходит с другого origin'а.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub раздаёт события подписчикам. Отправка неблокирующая: медленный или
// отвалившийся слушатель никогда не тормозит путь принятия решения.
type Hub struct {
	register   chan *client
	unregister chan *client
	events     chan ReadingUpdate
	clients    map[*client]struct{}
	done       chan struct{} // закрыт после остановки Run
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan ReadingUpdate, 64),
		clients:    map[*client]struct{}{},
		done:       make(chan struct{}),
	}
}

// Run — единственная горутина, владеющая картой клиентов.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				_ = c.conn.Close()
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.events:
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// переполненный буфер клиента — отключаем его,
					// событие остальным уходит без задержки
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish — fire-and-forget. Если очередь событий забита, событие
// отбрасывается: ретраев рассылки нет.
func (h *Hub) Publish(ev ReadingUpdate) {
	select {
	case h.events <- ev:
	default:
		logs.Logger.Warn("broadcast queue full, reading update dropped")
	}
}

// ServeWS апгрейдит соединение и подписывает клиента.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	// После остановки цикла регистрацию принимать некому — закрываем
	// соединение, иначе горутина обработчика повиснет на отправке.
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readPump только следит за закрытием соединения, входящие игнорируются.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
