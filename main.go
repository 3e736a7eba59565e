package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/valyala/fasthttp"

	"cencproxy/clearkey"
	"cencproxy/fmp4"
)

func main() {
	configPath := flag.String("c", "config.json", "配置文件路径")
	inPath := flag.String("i", "", "本地模式：输入文件")
	outPath := flag.String("o", "", "本地模式：输出文件")
	keyPair := flag.String("k", "", "本地模式：kid:key(hex)")
	flag.Parse()

	// 本地文件模式，调试用
	if *inPath != "" {
		if *outPath == "" || *keyPair == "" {
			fmt.Println("用法: cencproxy -i <输入文件> -o <输出文件> -k <kid:key>")
			os.Exit(1)
		}
		if err := decryptFile(*inPath, *outPath, *keyPair); err != nil {
			log.Fatalln("解密失败:", err)
		}
		log.Println("解密完成")
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalln(err)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer engine.Close()

	log.Printf("代理启动: http://%s", cfg.Listen)
	if err := fasthttp.ListenAndServe(cfg.Listen, engine.HandleRequest); err != nil {
		log.Fatalln(err)
	}
}

// 从文件解密并写入输出
func decryptFile(inPath, outPath, keyPair string) error {
	kid, key, err := parseKeyPair(keyPair)
	if err != nil {
		return err
	}
	cdm := clearkey.New()
	if err := cdm.AddKey(kid, key); err != nil {
		return err
	}

	data, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("打开输入文件失败: %w", err)
	}
	mp4File, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("解析 MP4 文件失败: %w", err)
	}
	if mp4File.Init == nil {
		return fmt.Errorf("文件缺少 init segment")
	}

	d, err := fmp4.NewDemuxer(mp4File.Init)
	if err != nil {
		return err
	}
	fmp4.StripInitPssh(mp4File.Init)
	for _, seg := range mp4File.Segments {
		for _, frag := range seg.Fragments {
			if err := d.DecryptFragment(frag, cdm); err != nil {
				return err
			}
		}
	}

	out, err := encodeMP4ToBytes(mp4File)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return fmt.Errorf("创建输出文件失败: %w", err)
	}
	return nil
}
