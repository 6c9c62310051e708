package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// 服务器上报格式
type ServerData struct {
	Status     string  `json:"status"`
	TempC      float64 `json:"temp_c"`
	CPU        float64 `json:"cpu"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemTotalMB float64 `json:"mem_total_mb"`
	Timestamp  int64   `json:"ts"`
}

// 温度传感器上报格式（华氏度）
type SensorData struct {
	Temp      float64 `json:"temp"`
	Unit      string  `json:"unit"`
	Online    bool    `json:"online"`
	Timestamp int64   `json:"ts"`
}

// 区块链节点上报格式
type NodeData struct {
	Peers     int     `json:"peers"`
	CPU       float64 `json:"cpu"`
	Mem       float64 `json:"mem"`
	Temp      float64 `json:"temp"`
	Timestamp int64   `json:"ts"`
}

// 设备配置
type DeviceConfig struct {
	ID       string
	Type     string
	Interval time.Duration
}

var devices = []DeviceConfig{
	{ID: "device-server-001", Type: "Server", Interval: 5 * time.Second},
	{ID: "device-iot-001", Type: "IoT", Interval: 8 * time.Second},
	{ID: "device-node-001", Type: "Web3Node", Interval: 6 * time.Second},
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker地址")
	username := flag.String("username", "", "MQTT用户名")
	password := flag.String("password", "", "MQTT密码")
	mode := flag.String("mode", "continuous", "运行模式: single, abnormal, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("ddg-publisher-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("连接丢失: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("连接MQTT服务器失败: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("已连接到MQTT服务器: %s\n", *broker)

	switch *mode {
	case "single":
		for _, d := range devices {
			publish(client, d, false)
		}
	case "abnormal":
		// 服务器温度过高，用于验证异常标记
		publish(client, devices[0], true)
	case "continuous":
		publishContinuous(client)
	default:
		fmt.Println("未知的运行模式，请使用 single, abnormal 或 continuous")
		os.Exit(1)
	}

	client.Disconnect(250)
}

func publishContinuous(client paho.Client) {
	for _, device := range devices {
		go func(dev DeviceConfig) {
			for {
				publish(client, dev, rand.Float64() < 0.1)
				time.Sleep(dev.Interval)
			}
		}(device)
		fmt.Printf("设备 %s 将每 %v 上报一次数据\n", device.ID, device.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("正在断开连接...")
}

func payloadFor(device DeviceConfig, hot bool) interface{} {
	now := time.Now()
	temp := 45.0 + (rand.Float64()-0.5)*30
	if hot {
		temp = 95
	}

	switch device.Type {
	case "Server":
		return ServerData{
			Status:     "up",
			TempC:      round1(temp),
			CPU:        round1(30 + (rand.Float64()-0.5)*60),
			MemUsedMB:  round1(8192 * (0.5 + (rand.Float64()-0.5)*0.4)),
			MemTotalMB: 8192,
			Timestamp:  now.UnixMilli(),
		}
	case "IoT":
		return SensorData{
			Temp:      round1(temp*9/5 + 32),
			Unit:      "F",
			Online:    rand.Float64() > 0.05,
			Timestamp: now.Unix(),
		}
	default:
		return NodeData{
			Peers:     rand.Intn(50),
			CPU:       round1(30 + (rand.Float64()-0.5)*60),
			Mem:       round1(50 + (rand.Float64()-0.5)*40),
			Temp:      round1(temp),
			Timestamp: now.Unix(),
		}
	}
}

func publish(client paho.Client, device DeviceConfig, hot bool) {
	topic := fmt.Sprintf("devices/%s/%s", device.Type, device.ID)

	jsonData, err := json.Marshal(payloadFor(device, hot))
	if err != nil {
		fmt.Printf("JSON编码失败: %v\n", err)
		return
	}

	token := client.Publish(topic, 0, false, jsonData)
	token.Wait()

	if token.Error() != nil {
		fmt.Printf("发布消息失败: %v\n", token.Error())
	} else {
		fmt.Printf("[%s] 已发布设备 %s 数据: %s\n", time.Now().Format("15:04:05"), device.ID, string(jsonData))
	}
}

func round1(v float64) float64 {
	return float64(int(v*10)) / 10
}
